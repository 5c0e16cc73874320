package main

import (
	"b3bench/config"
	"b3bench/internal/crash"
	"b3bench/internal/measurer"
	"b3bench/internal/scheduler"
	"b3bench/pkg/database"
	"b3bench/pkg/filestore"
	"b3bench/pkg/logger"
	"b3bench/pkg/metrics"
	"b3bench/pkg/telemetry"
	"b3bench/pkg/watchdog"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,           // inject config
			logger.NewLogger,            // inject logger
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			database.NewRedisClient,     // inject redis client, nil without redis
			crash.NewBlacklist,          // inject unit blacklist
			filestore.NewFilestore,      // inject experiment filestore
			watchdog.NewWatchDogFactory, // inject watchdog factory
			scheduler.NewCoordinator,    // inject measurement coordinator
		),
		database.Module, // inject db connection and repositories
		metrics.Module,  // inject metrics and their http server
		measurer.Module, // inject coverage tool and worker
		fx.Invoke(
			scheduler.StartCoordinator,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
