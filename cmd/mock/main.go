package main

// mock the trial runners

import (
	"b3bench/config"
	"b3bench/internal/types"
	"b3bench/internal/utils"
	"b3bench/pkg/database"
	"b3bench/pkg/filestore"
	"b3bench/pkg/logger"
	"b3bench/pkg/mq"
	"b3bench/pkg/telemetry"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type mockOptions struct {
	TimeScale     float64 `long:"time-scale" default:"60" description:"how many times faster than real time trials run"`
	UnitsPerCycle int     `long:"units-per-cycle" default:"20" description:"upper bound of new corpus units per cycle"`
	UnchangedRate float64 `long:"unchanged-rate" default:"0.2" description:"probability that a cycle adds no unit"`
	PreemptRate   float64 `long:"preempt-rate" default:"0.05" description:"per-cycle probability that a preemptible runner is lost"`
}

type mockApp struct {
	rabbitMQ      mq.RabbitMQ
	trials        database.TrialRepository
	store         filestore.Filestore
	experiment    *config.ExperimentConfig
	logger        *zap.Logger
	tracerFactory *telemetry.TracerFactory
	opts          mockOptions

	running sync.WaitGroup
}

type mockParams struct {
	fx.In
	RabbitMQ      mq.RabbitMQ `optional:"true"`
	Trials        database.TrialRepository
	Filestore     filestore.Filestore
	Config        *config.AppConfig
	Logger        *zap.Logger
	TracerFactory *telemetry.TracerFactory
}

func parseMockOptions() (mockOptions, error) {
	var opts mockOptions
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	if _, err := parser.Parse(); err != nil {
		return opts, err
	}
	if opts.TimeScale <= 0 {
		return opts, fmt.Errorf("time-scale must be positive, got %v", opts.TimeScale)
	}
	if opts.UnitsPerCycle <= 0 {
		opts.UnitsPerCycle = 1
	}
	return opts, nil
}

func newMockApp(p mockParams) (*mockApp, error) {
	opts, err := parseMockOptions()
	if err != nil {
		return nil, err
	}
	return &mockApp{
		rabbitMQ:      p.RabbitMQ,
		trials:        p.Trials,
		store:         p.Filestore,
		experiment:    p.Config.Experiment,
		logger:        p.Logger.Named("mock"),
		tracerFactory: p.TracerFactory,
		opts:          opts,
	}, nil
}

// run starts every trial it is told about. Without a broker it starts the
// pending trials and returns once they all ended.
func (m *mockApp) run(ctx context.Context) error {
	defer m.running.Wait()
	if m.rabbitMQ == nil {
		return m.runPending(ctx)
	}

	deliveries, channel, err := m.rabbitMQ.Consume(types.TrialQueueName, 16)
	if err != nil {
		return err
	}
	defer channel.Close()
	m.logger.Info("waiting for trials", zap.String("queue", types.TrialQueueName))

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			var msg types.TrialMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				m.logger.Error("dropping malformed trial message", zap.Error(err))
				delivery.Nack(false, false)
				continue
			}
			delivery.Ack(false)
			trial, err := m.trials.GetTrial(ctx, msg.TrialID)
			if err != nil {
				m.logger.Error("ignoring unknown trial", zap.Uint("trial_id", msg.TrialID), zap.Error(err))
				continue
			}
			if trial.Experiment != m.experiment.Experiment {
				m.logger.Warn("ignoring trial of another experiment",
					zap.Uint("trial_id", trial.ID), zap.String("experiment", trial.Experiment))
				continue
			}
			if trial.TimeStarted != nil {
				m.logger.Warn("ignoring trial that already started", zap.Uint("trial_id", trial.ID))
				continue
			}
			m.start(ctx, trial.ID, trial.Fuzzer, trial.Benchmark)
		}
	}
}

// runPending starts the trials of the experiment that never started, for
// setups without a broker.
func (m *mockApp) runPending(ctx context.Context) error {
	trials, err := m.trials.ListTrials(ctx, m.experiment.Experiment)
	if err != nil {
		return err
	}
	for _, trial := range trials {
		if trial.TimeStarted == nil {
			m.start(ctx, trial.ID, trial.Fuzzer, trial.Benchmark)
		}
	}
	m.running.Wait()
	return nil
}

func (m *mockApp) start(ctx context.Context, trialID uint, fuzzer, benchmark string) {
	m.running.Add(1)
	go func() {
		defer m.running.Done()
		if err := m.runTrial(ctx, trialID, fuzzer, benchmark); err != nil && ctx.Err() == nil {
			m.logger.Error("mock trial failed", zap.Uint("trial_id", trialID), zap.Error(err))
		}
	}()
}

// runTrial fakes a fuzzing run: one cumulative corpus archive per snapshot
// period, then the trial ends.
func (m *mockApp) runTrial(ctx context.Context, trialID uint, fuzzer, benchmark string) error {
	logger := m.logger.With(
		zap.Uint("trial_id", trialID),
		zap.String("fuzzer", fuzzer),
		zap.String("benchmark", benchmark))
	tracer := m.tracerFactory.NewTracer(ctx, "running mock trial").WithAttributes(
		telemetry.NewSpanAttributes(telemetry.Running).
			WithExperiment(m.experiment.Experiment).
			WithFuzzer(fuzzer).
			WithBenchmark(benchmark).
			WithTrialID(trialID),
	)
	tracer.Start()
	defer tracer.End()

	if err := m.trials.MarkStarted(ctx, trialID, time.Now()); err != nil {
		return err
	}
	workDir, err := os.MkdirTemp("", "mock-trial-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)
	corpusDir := filepath.Join(workDir, "corpus")
	if err := os.MkdirAll(corpusDir, 0755); err != nil {
		return err
	}

	period := time.Duration(float64(m.experiment.SnapshotPeriodDuration()) / m.opts.TimeScale)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	logger.Info("mock trial started", zap.Duration("period", period))

	var unchanged []string
	for cycle := 1; cycle <= m.experiment.MaxCycle(); cycle++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if m.experiment.PreemptibleRunners && rand.Float64() < m.opts.PreemptRate {
			logger.Warn("mock runner preempted", zap.Int("cycle", cycle))
			return m.trials.MarkPreempted(ctx, trialID)
		}

		if cycle > 1 && rand.Float64() < m.opts.UnchangedRate {
			unchanged = append(unchanged, fmt.Sprint(cycle))
			content := []byte(strings.Join(unchanged, "\n") + "\n")
			if err := m.store.Write(ctx, types.UnchangedCyclesPath(benchmark, fuzzer, trialID), content); err != nil {
				return err
			}
		} else if err := addUnits(corpusDir, rand.IntN(m.opts.UnitsPerCycle)+1); err != nil {
			return err
		}

		archive := filepath.Join(workDir, types.CorpusArchiveName(cycle))
		if err := utils.CompressTarGz(ctx, corpusDir, archive); err != nil {
			return err
		}
		remote := types.CorpusArchivePath(benchmark, fuzzer, trialID, cycle)
		if err := m.store.Upload(ctx, archive, remote); err != nil {
			return err
		}
		os.Remove(archive)
		logger.Debug("wrote corpus archive", zap.Int("cycle", cycle), zap.String("path", remote))
	}

	if err := m.trials.MarkEnded(ctx, trialID, time.Now()); err != nil {
		return err
	}
	logger.Info("mock trial ended")
	return nil
}

func addUnits(dir string, n int) error {
	for range n {
		name := uuid.NewString()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			return err
		}
	}
	return nil
}

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
			NewAppContext,
			config.LoadConfig,
			logger.NewLogger,
			telemetry.NewTelemetry,
			telemetry.NewTracerFactory,
			mq.NewRabbitMQ,
			filestore.NewFilestore,
			newMockApp,
		),
		database.Module,
		fx.Invoke(func(mock *mockApp, ctx context.Context, shutdowner fx.Shutdowner, log *zap.Logger) {
			go func() {
				if err := mock.run(ctx); err != nil {
					log.Error("mock runner stopped", zap.Error(err))
					shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				shutdowner.Shutdown()
			}()
		}),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}
