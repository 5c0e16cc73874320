package telemetry

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type otelTracer struct {
	tracer     trace.Tracer
	span       trace.Span
	tracerCtx  context.Context
	links      []trace.Link
	spanName   string
	attributes *SpanAttributes

	started bool
}

func newOtelTracer(ctx context.Context, tracer trace.Tracer, spanName string) *otelTracer {
	return &otelTracer{
		tracer:     tracer,
		tracerCtx:  ctx,
		spanName:   spanName,
		attributes: EmptySpanAttributes(),
	}
}

// otelTracerFrom resumes a span exported by another process (see Export).
func otelTracerFrom(ctx context.Context, tracer trace.Tracer, exported string) (*otelTracer, error) {
	carrier := make(map[string]string)
	if err := json.Unmarshal([]byte(exported), &carrier); err != nil {
		return nil, err
	}
	return &otelTracer{
		tracer:     tracer,
		tracerCtx:  otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier)),
		attributes: EmptySpanAttributes(),
		started:    true,
	}, nil
}

func (t *otelTracer) Start() {
	attributes := t.attributes.Attributes()
	attributes = append(attributes, attribute.String("bench.action.name", t.spanName))
	t.tracerCtx, t.span = t.tracer.Start(t.tracerCtx,
		t.spanName,
		trace.WithAttributes(attributes...),
		trace.WithLinks(t.links...))
	t.started = true
}

func (t *otelTracer) SetStatus(code codes.Code, message string) {
	if t.span != nil {
		t.span.SetStatus(code, message)
	}
}

func (t *otelTracer) WithAttributes(attributes *SpanAttributes) Tracer {
	t.attributes.Merge(attributes)
	if t.started && t.span != nil {
		t.span.SetAttributes(t.attributes.Attributes()...)
	}
	return t
}

func (t *otelTracer) AddEvent(name string, e EventAttributes) {
	if t.span != nil {
		t.span.AddEvent(name, trace.WithAttributes(e...))
	}
}

func (t *otelTracer) Spawn(spanName string) Tracer {
	child := newOtelTracer(t.tracerCtx, t.tracer, spanName)
	return child.WithAttributes(t.attributes)
}

func (t *otelTracer) AddLink(spanContext trace.SpanContext) {
	link := trace.Link{SpanContext: spanContext}
	t.links = append(t.links, link)
	if t.started && t.span != nil {
		t.span.AddLink(link)
	}
}

// Export serializes the span context to a JSON carrier.
func (t *otelTracer) Export() string {
	carrier := make(map[string]string)
	otel.GetTextMapPropagator().Inject(t.tracerCtx, propagation.MapCarrier(carrier))
	payload, _ := json.Marshal(carrier)
	return string(payload)
}

func (t *otelTracer) End() {
	if !t.started || t.span == nil {
		return
	}
	t.span.End()
}
