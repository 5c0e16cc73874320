package logger

import (
	"b3bench/config"
	"b3bench/pkg/telemetry"
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Telemetry telemetry.Telemetry `optional:"true"`
}

func NewLogger(p LoggerParams) *zap.Logger {
	loggerCtx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})

	cfg := configForLevel(ParseLevel(p.AppConfig.LogLevel))
	fields := zap.Fields(
		zap.String("service", p.AppConfig.ServiceName),
		zap.String("experiment", p.AppConfig.Experiment.Experiment),
	)

	if p.Telemetry == nil || p.Telemetry.GetLogger() == nil {
		lg, err := cfg.Build(fields)
		if err != nil {
			return zap.NewExample()
		}
		return lg
	}

	lg, err := cfg.Build(
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return &telemetryCore{
				Core:  core,
				telem: p.Telemetry,
				ctx:   loggerCtx,
				attrsBase: []attribute.KeyValue{
					attribute.String("bench.action.name", "bench_log"),
				},
			}
		}),
		zap.AddCaller(),
		fields,
	)
	if err != nil {
		lg, err := cfg.Build(fields)
		if err != nil {
			return zap.NewExample()
		}
		return lg
	}
	lg.Debug("logger with telemetry enabled")
	return lg
}

// ParseLevel maps LOG_LEVEL to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// info and below get the human readable development encoder
func configForLevel(level zapcore.Level) zap.Config {
	var cfg zap.Config
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg
}

// telemetryCore tees every entry into an OpenTelemetry log record.
type telemetryCore struct {
	zapcore.Core
	telem     telemetry.Telemetry
	ctx       context.Context
	attrsBase []attribute.KeyValue
}

// With keeps the wrapper around child cores created by logger.With.
func (t *telemetryCore) With(fields []zapcore.Field) zapcore.Core {
	attrs := append([]attribute.KeyValue{}, t.attrsBase...)
	for _, f := range fields {
		if kv, ok := fieldToAttribute(f); ok {
			attrs = append(attrs, kv)
		}
	}
	return &telemetryCore{
		Core:      t.Core.With(fields),
		telem:     t.telem,
		ctx:       t.ctx,
		attrsBase: attrs,
	}
}

func (t *telemetryCore) Check(ent zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if t.Enabled(ent.Level) {
		return checked.AddCore(ent, t)
	}
	return checked
}

func (t *telemetryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := t.Core.Write(ent, fields); err != nil {
		return err
	}

	rec := log.Record{}
	rec.SetTimestamp(ent.Time)
	rec.SetBody(log.StringValue(ent.Message))
	rec.SetSeverityText(ent.Level.String())

	for _, attr := range t.attrsBase {
		rec.AddAttributes(log.KeyValueFromAttribute(attr))
	}
	for _, f := range fields {
		if kv, ok := fieldToAttribute(f); ok {
			rec.AddAttributes(log.KeyValueFromAttribute(kv))
		}
	}

	t.telem.GetLogger().Emit(t.ctx, rec)
	return nil
}

func fieldToAttribute(f zapcore.Field) (attribute.KeyValue, bool) {
	switch f.Type {
	case zapcore.BoolType:
		return attribute.Bool(f.Key, f.Integer != 0), true
	case zapcore.Float64Type:
		if v, ok := f.Interface.(float64); ok {
			return attribute.Float64(f.Key, v), true
		}
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type,
		zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return attribute.Int64(f.Key, f.Integer), true
	case zapcore.DurationType:
		return attribute.String(f.Key, time.Duration(f.Integer).String()), true
	case zapcore.StringType:
		return attribute.String(f.Key, f.String), true
	case zapcore.ErrorType:
		if errVal, ok := f.Interface.(error); ok {
			return attribute.String(f.Key, errVal.Error()), true
		}
	case zapcore.SkipType:
		return attribute.KeyValue{}, false
	default:
		return attribute.String(f.Key, fmt.Sprint(f.Interface)), true
	}
	return attribute.KeyValue{}, false
}
