package metrics

import (
	"b3bench/config"
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Metrics   *Metrics
	Logger    *zap.Logger
	Config    *config.AppConfig
}

func NewHandler(m *Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return mux
}

// NewServer serves /health and /metrics on METRICS_ADDR for the app's lifetime.
func NewServer(p ServerParams) *http.Server {
	server := &http.Server{
		Addr:    p.Config.MetricsAddr,
		Handler: NewHandler(p.Metrics),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					p.Logger.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})

	return server
}

var Module = fx.Module("metrics",
	fx.Provide(New),
	fx.Invoke(NewServer),
)
