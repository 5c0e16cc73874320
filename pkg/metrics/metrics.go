package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the counters exported by both phases. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	BuildsSucceeded    *prometheus.CounterVec
	BuildsFailed       *prometheus.CounterVec
	BuildRounds        prometheus.Counter
	TrialsCreated      prometheus.Counter
	SnapshotsMeasured  *prometheus.CounterVec
	SnapshotsPersisted prometheus.Counter
	CycleFailures      *prometheus.CounterVec
	MeasurementPasses  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		BuildsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "b3bench",
			Name:      "builds_succeeded_total",
			Help:      "Build jobs that succeeded, by kind.",
		}, []string{"kind"}),
		BuildsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "b3bench",
			Name:      "build_attempts_failed_total",
			Help:      "Failed build attempts, by kind.",
		}, []string{"kind"}),
		BuildRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "b3bench",
			Name:      "build_rounds_total",
			Help:      "Build plan stages executed.",
		}),
		TrialsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "b3bench",
			Name:      "trials_created_total",
			Help:      "Trial rows created after a successful build.",
		}),
		SnapshotsMeasured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "b3bench",
			Name:      "snapshots_measured_total",
			Help:      "Snapshots produced by measurement workers.",
		}, []string{"fuzzer", "benchmark"}),
		SnapshotsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "b3bench",
			Name:      "snapshots_persisted_total",
			Help:      "Snapshot rows written to the database.",
		}),
		CycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "b3bench",
			Name:      "cycle_failures_total",
			Help:      "Measurement cycles skipped because of an error.",
		}, []string{"fuzzer", "benchmark"}),
		MeasurementPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "b3bench",
			Name:      "measurement_passes_total",
			Help:      "Coordinator passes over the snapshot frontier.",
		}),
	}
	m.Registry.MustRegister(
		m.BuildsSucceeded,
		m.BuildsFailed,
		m.BuildRounds,
		m.TrialsCreated,
		m.SnapshotsMeasured,
		m.SnapshotsPersisted,
		m.CycleFailures,
		m.MeasurementPasses,
	)
	return m
}
