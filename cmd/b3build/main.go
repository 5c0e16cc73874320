package main

import (
	"b3bench/config"
	"b3bench/internal/builder"
	"b3bench/pkg/database"
	"b3bench/pkg/logger"
	"b3bench/pkg/metrics"
	"b3bench/pkg/mq"
	"b3bench/pkg/telemetry"
	"context"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func NewAppContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

func main() {
	app := fx.New(
		fx.Provide(
			NewAppContext,              // inject app context
			config.LoadConfig,          // inject config
			logger.NewLogger,           // inject logger
			telemetry.NewTelemetry,     // inject telemetry
			telemetry.NewTracerFactory, // inject telemetry tracer factory
			mq.NewRabbitMQ,             // inject rabbitmq service
		),
		database.Module, // inject db connection and repositories
		metrics.Module,  // inject metrics and their http server
		builder.Module,  // inject build system, publisher and orchestrator
		fx.Invoke(
			builder.StartBuilder,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
	app.Run()
}
