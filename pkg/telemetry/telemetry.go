package telemetry

import (
	"b3bench/config"
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Telemetry interface {
	GetTracer() trace.Tracer
	GetLogger() log.Logger
}

type telemetryImpl struct {
	tracer trace.Tracer
	logger log.Logger
}

type TelemetryParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.AppConfig
}

// NewTelemetry sets up the OTLP trace and log exporters. It returns a nil
// Telemetry when TELEMETRY_ENABLED is off so consumers fall back to no-ops.
func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	if !p.Config.TelemetryEnabled {
		return nil, nil
	}

	telemetryCtx, cancel := context.WithCancel(context.Background())

	tracerExp, err := otlptracegrpc.New(telemetryCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(tracerExp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			attribute.String("service.name", p.Config.ServiceName),
			attribute.String("bench.experiment", p.Config.Experiment.Experiment),
		)),
	)
	otel.SetTracerProvider(traceProvider)
	tracer := traceProvider.Tracer(p.Config.ServiceName)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// the log exporter is optional, traces still work without it
	logExp, err := otlploggrpc.New(telemetryCtx)
	var logProvider *sdklog.LoggerProvider
	var logger log.Logger
	if err == nil {
		processor := sdklog.NewBatchProcessor(logExp)
		logProvider = sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
		logger = logProvider.Logger(p.Config.ServiceName)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			traceProvider.Shutdown(ctx)
			if logProvider != nil {
				logProvider.Shutdown(ctx)
			}
			return nil
		},
	})

	return &telemetryImpl{tracer, logger}, nil
}

func (t *telemetryImpl) GetTracer() trace.Tracer {
	return t.tracer
}

func (t *telemetryImpl) GetLogger() log.Logger {
	return t.logger
}
