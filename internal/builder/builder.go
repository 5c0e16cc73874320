package builder

import (
	"b3bench/config"
	"b3bench/internal/types"
	"b3bench/pkg/database"
	"b3bench/pkg/metrics"
	"b3bench/pkg/telemetry"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrBaseImages means nothing else can be built.
	ErrBaseImages = errors.New("base images failed on every attempt")
	// ErrNothingBuilt means no fuzzer-benchmark pair survived the build plan.
	ErrNothingBuilt = errors.New("no fuzzer-benchmark pair was built")
)

// Orchestrator builds every fuzzer-benchmark pair of the experiment and
// creates the trials for the pairs that built.
type Orchestrator struct {
	logger        *zap.Logger
	experiment    *config.ExperimentConfig
	buildSystem   BuildSystem
	trials        database.TrialRepository
	publisher     TrialPublisher
	tracerFactory *telemetry.TracerFactory
	metrics       *metrics.Metrics

	runner *RetryRunner[types.BuildJob]
}

type OrchestratorParams struct {
	fx.In

	Logger        *zap.Logger
	Config        *config.AppConfig
	BuildSystem   BuildSystem
	Trials        database.TrialRepository
	Publisher     TrialPublisher `optional:"true"`
	TracerFactory *telemetry.TracerFactory
	Metrics       *metrics.Metrics
}

func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	exp := p.Config.Experiment
	return &Orchestrator{
		logger:        p.Logger.Named("builder"),
		experiment:    exp,
		buildSystem:   p.BuildSystem,
		trials:        p.Trials,
		publisher:     p.Publisher,
		tracerFactory: p.TracerFactory,
		metrics:       p.Metrics,
		runner: NewRetryRunner[types.BuildJob](p.Logger.Named("retry"),
			exp.Build.Concurrency,
			exp.Build.MaxAttempts,
			time.Duration(exp.Build.MaxBackoff)*time.Second),
	}
}

// BuildSystemFromConfig is the fx provider of the default build system.
func BuildSystemFromConfig(cfg *config.AppConfig, logger *zap.Logger) BuildSystem {
	return NewMakeBuildSystem(logger, cfg.Experiment.Build.SrcDir, cfg.Experiment.Build.Timeout)
}

// BuildExperiment runs the whole build phase: build plan, trial creation and
// trial announcement. It returns the created trials.
func (o *Orchestrator) BuildExperiment(ctx context.Context) ([]*database.Trial, error) {
	tracer := o.tracerFactory.NewTracer(ctx, "building experiment").WithAttributes(
		telemetry.NewSpanAttributes(telemetry.Building).
			WithExperiment(o.experiment.Experiment),
	)
	tracer.Start()
	defer tracer.End()
	ctx = telemetry.WithTracer(ctx, tracer)

	pairs, err := o.BuildAll(ctx)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	trials, err := o.CreateTrials(ctx, pairs)
	if err != nil {
		tracer.SetStatus(codes.Error, "failed to create trials")
		return nil, err
	}

	o.announce(ctx, trials)
	tracer.SetStatus(codes.Ok, "experiment built")
	return trials, nil
}

// BuildAll drives the build plan in dependency order and returns the pairs
// whose runner image built, in plan order. A failed coverage build prunes the
// fuzzer builds of that benchmark only.
func (o *Orchestrator) BuildAll(ctx context.Context) ([]types.Pair, error) {
	base := o.runStage(ctx, "base images", []types.BuildJob{{Kind: types.BuildBaseImages}})
	if len(base) == 0 {
		return nil, ErrBaseImages
	}

	coverageJobs := make([]types.BuildJob, 0, len(o.experiment.Benchmarks))
	for _, benchmark := range o.experiment.Benchmarks {
		coverageJobs = append(coverageJobs, types.BuildJob{Kind: types.BuildCoverage, Benchmark: benchmark})
	}
	coverageBuilt := make(map[string]bool)
	for _, job := range o.runStage(ctx, "coverage", coverageJobs) {
		coverageBuilt[job.Benchmark] = true
	}

	var fuzzerJobs []types.BuildJob
	for _, benchmark := range o.experiment.Benchmarks {
		if !coverageBuilt[benchmark] {
			o.logger.Warn("skipping benchmark, coverage build failed", zap.String("benchmark", benchmark))
			continue
		}
		for _, fuzzer := range o.experiment.Fuzzers {
			fuzzerJobs = append(fuzzerJobs, types.BuildJob{Kind: types.BuildFuzzer, Fuzzer: fuzzer, Benchmark: benchmark})
		}
	}
	built := make(map[types.BuildJob]bool)
	for _, job := range o.runStage(ctx, "fuzzers", fuzzerJobs) {
		built[job] = true
	}

	var pairs []types.Pair
	for _, job := range fuzzerJobs {
		if built[job] {
			pairs = append(pairs, types.Pair{Fuzzer: job.Fuzzer, Benchmark: job.Benchmark})
		}
	}
	if len(pairs) == 0 {
		return nil, ErrNothingBuilt
	}
	o.logger.Info("build plan finished",
		zap.Int("pairs_built", len(pairs)),
		zap.Int("pairs_planned", len(o.experiment.Fuzzers)*len(o.experiment.Benchmarks)))
	return pairs, nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage string, jobs []types.BuildJob) []types.BuildJob {
	if len(jobs) == 0 {
		return nil
	}
	tracer := telemetry.FromContext(ctx).Spawn("building " + stage)
	tracer.Start()
	defer tracer.End()
	o.metrics.BuildRounds.Inc()

	o.logger.Info("starting build stage", zap.String("stage", stage), zap.Int("jobs", len(jobs)))
	succeeded := o.runner.Run(ctx, jobs, o.runJob)
	tracer.AddEvent("stage finished", telemetry.NewEventAttributes(map[string]string{
		"succeeded": fmt.Sprint(len(succeeded)),
		"failed":    fmt.Sprint(len(jobs) - len(succeeded)),
	}))
	return succeeded
}

func (o *Orchestrator) runJob(ctx context.Context, job types.BuildJob) bool {
	var err error
	switch job.Kind {
	case types.BuildBaseImages:
		err = o.buildSystem.BuildBaseImages(ctx)
	case types.BuildCoverage:
		err = o.buildSystem.BuildCoverage(ctx, job.Benchmark)
	case types.BuildFuzzer:
		err = o.buildSystem.BuildFuzzer(ctx, job.Fuzzer, job.Benchmark)
	default:
		err = fmt.Errorf("unknown build kind %d", job.Kind)
	}
	if err != nil {
		o.metrics.BuildsFailed.WithLabelValues(job.Kind.String()).Inc()
		o.logger.Warn("build failed",
			zap.String("job", job.String()),
			zap.String("fuzzer", job.Fuzzer),
			zap.String("benchmark", job.Benchmark),
			zap.Error(err))
		return false
	}
	o.metrics.BuildsSucceeded.WithLabelValues(job.Kind.String()).Inc()
	return true
}

// CreateTrials inserts the configured number of trials for every pair.
func (o *Orchestrator) CreateTrials(ctx context.Context, pairs []types.Pair) ([]*database.Trial, error) {
	trials := make([]*database.Trial, 0, len(pairs)*o.experiment.Trials)
	for _, pair := range pairs {
		for range o.experiment.Trials {
			trials = append(trials, database.NewTrial(
				o.experiment.Experiment,
				pair.Fuzzer,
				pair.Benchmark,
				o.experiment.PreemptibleRunners))
		}
	}
	if err := o.trials.CreateTrials(ctx, trials); err != nil {
		return nil, fmt.Errorf("failed to create trials: %w", err)
	}
	o.metrics.TrialsCreated.Add(float64(len(trials)))
	o.logger.Info("trials created", zap.Int("count", len(trials)))
	return trials, nil
}

// announce is best effort: the trials are already durable.
func (o *Orchestrator) announce(ctx context.Context, trials []*database.Trial) {
	if o.publisher == nil {
		return
	}
	msgs := make([]types.TrialMessage, 0, len(trials))
	for _, t := range trials {
		msgs = append(msgs, types.TrialMessage{
			TrialID:     t.ID,
			Experiment:  t.Experiment,
			Fuzzer:      t.Fuzzer,
			Benchmark:   t.Benchmark,
			Preemptible: t.Preemptible,
		})
	}
	if err := o.publisher.PublishTrials(ctx, msgs); err != nil {
		o.logger.Error("failed to publish trials", zap.Error(err))
	}
}

var Module = fx.Options(
	fx.Provide(BuildSystemFromConfig),
	fx.Provide(NewTrialPublisher),
	fx.Provide(NewOrchestrator),
)

type StartParams struct {
	fx.In

	Orchestrator *Orchestrator
	Logger       *zap.Logger
	Shutdowner   fx.Shutdowner
}

// StartBuilder runs the build phase in the background and shuts the app down
// once it is over. ctx is the app context.
func StartBuilder(p StartParams, ctx context.Context) {
	go func() {
		trials, err := p.Orchestrator.BuildExperiment(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.Logger.Error("build phase failed", zap.Error(err))
				p.Shutdowner.Shutdown(fx.ExitCode(1))
			}
			return
		}
		p.Logger.Info("build phase finished", zap.Int("trials", len(trials)))
		p.Shutdowner.Shutdown()
	}()
}
