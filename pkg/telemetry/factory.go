package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Tracer interface {
	Start()
	WithAttributes(attributes *SpanAttributes) Tracer
	AddEvent(name string, attributes EventAttributes)
	SetStatus(code codes.Code, message string)
	Spawn(spanName string) Tracer
	AddLink(spanContext trace.SpanContext)
	Export() string
	End()
}

type TracerKey struct{} // context key holding the current Tracer

// FromContext returns the tracer stored under TracerKey, or a no-op tracer.
func FromContext(ctx context.Context) Tracer {
	if tracer, ok := ctx.Value(TracerKey{}).(Tracer); ok {
		return tracer
	}
	return &DummyTracer{}
}

// WithTracer stores tracer in ctx under TracerKey.
func WithTracer(ctx context.Context, tracer Tracer) context.Context {
	return context.WithValue(ctx, TracerKey{}, tracer)
}

type TracerFactory struct {
	telemetry Telemetry
}

type TracerFactoryParams struct {
	fx.In
	Telemetry Telemetry `optional:"true"`
}

func NewTracerFactory(p TracerFactoryParams) *TracerFactory {
	return &TracerFactory{telemetry: p.Telemetry}
}

// NewTracer returns a tracer for a new root span, or a no-op tracer when
// telemetry is disabled. A nil factory is valid and behaves as disabled.
func (t *TracerFactory) NewTracer(ctx context.Context, spanName string) Tracer {
	if t == nil || t.telemetry == nil || t.telemetry.GetTracer() == nil {
		return &DummyTracer{}
	}
	return newOtelTracer(ctx, t.telemetry.GetTracer(), spanName)
}

// NewTracerSpawnedFrom continues a span exported by another process.
func (t *TracerFactory) NewTracerSpawnedFrom(ctx context.Context, exported string, spanName string) Tracer {
	if t == nil || t.telemetry == nil || t.telemetry.GetTracer() == nil {
		return &DummyTracer{}
	}
	origin, err := otelTracerFrom(ctx, t.telemetry.GetTracer(), exported)
	if err != nil {
		return newOtelTracer(ctx, t.telemetry.GetTracer(), spanName)
	}
	return origin.Spawn(spanName)
}

// A dummy tracer that does nothing when telemetry is not enabled
type DummyTracer struct{}

func (t *DummyTracer) Start()                                           {}
func (t *DummyTracer) WithAttributes(attributes *SpanAttributes) Tracer { return t }
func (t *DummyTracer) AddEvent(name string, attributes EventAttributes) {}
func (t *DummyTracer) SetStatus(code codes.Code, message string)        {}
func (t *DummyTracer) Spawn(spanName string) Tracer                     { return t }
func (t *DummyTracer) AddLink(spanContext trace.SpanContext)            {}
func (t *DummyTracer) Export() string                                   { return "" }
func (t *DummyTracer) End()                                             {}
