package scheduler

import (
	"b3bench/config"
	"b3bench/internal/crash"
	"b3bench/internal/measurer"
	"b3bench/internal/types"
	"b3bench/pkg/database"
	"b3bench/pkg/filestore"
	"b3bench/pkg/metrics"
	"b3bench/pkg/telemetry"
	"b3bench/pkg/watchdog"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Measurer walks the cycles of one trial, sending every snapshot to out.
type Measurer interface {
	MeasureTrial(ctx context.Context, req types.SnapshotRequest, maxCycle int, blacklist crash.Blacklist, out chan<- database.Snapshot) int
}

// Coordinator runs measurement passes until every trial has ended and
// nothing is left to measure.
type Coordinator struct {
	logger        *zap.Logger
	experiment    *config.ExperimentConfig
	frontier      *FrontierTracker
	trials        database.TrialRepository
	snapshots     database.SnapshotRepository
	measurer      Measurer
	blacklist     crash.Blacklist
	store         filestore.Filestore
	watchDogs     *watchdog.WatchDogFactory
	metrics       *metrics.Metrics
	tracerFactory *telemetry.TracerFactory
}

type CoordinatorParams struct {
	fx.In

	Logger        *zap.Logger
	Config        *config.AppConfig
	Trials        database.TrialRepository
	Snapshots     database.SnapshotRepository
	Worker        *measurer.Worker
	Blacklist     crash.Blacklist
	Filestore     filestore.Filestore
	WatchDogs     *watchdog.WatchDogFactory `optional:"true"`
	Metrics       *metrics.Metrics
	TracerFactory *telemetry.TracerFactory
}

func NewCoordinator(p CoordinatorParams) *Coordinator {
	exp := p.Config.Experiment
	return &Coordinator{
		logger:        p.Logger.Named("coordinator"),
		experiment:    exp,
		frontier:      NewFrontierTracker(p.Trials, p.Snapshots, exp.SnapshotPeriod),
		trials:        p.Trials,
		snapshots:     p.Snapshots,
		measurer:      p.Worker,
		blacklist:     p.Blacklist,
		store:         p.Filestore,
		watchDogs:     p.WatchDogs,
		metrics:       p.Metrics,
		tracerFactory: p.TracerFactory,
	}
}

// Run measures until the experiment is complete or ctx is done. A failed
// pass is logged and retried after the usual interval.
func (c *Coordinator) Run(ctx context.Context) error {
	maxCycle := MaxCycle(c.experiment.MaxTotalTime, c.experiment.SnapshotPeriod)
	wake := c.watchArchives(ctx)
	c.logger.Info("starting measurement loop",
		zap.String("experiment", c.experiment.Experiment),
		zap.Int("max_cycle", maxCycle),
		zap.Int("workers", c.experiment.Measure.Workers))

	for {
		finished, err := c.RunPass(ctx, maxCycle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Error("measurement pass failed", zap.Error(err))
		} else if finished {
			c.reportTotals(ctx)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.experiment.Measure.Interval):
		case name, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			c.logger.Debug("new corpus archive", zap.String("file", name))
		}
	}
}

// RunPass measures every trial frontier once. It reports whether the
// experiment is complete: all trials had ended before the pass started and
// the pass found nothing to measure.
func (c *Coordinator) RunPass(ctx context.Context, maxCycle int) (bool, error) {
	c.metrics.MeasurementPasses.Inc()
	tracer := c.tracerFactory.NewTracer(ctx, "measurement pass").WithAttributes(
		telemetry.NewSpanAttributes(telemetry.Scheduling).
			WithExperiment(c.experiment.Experiment),
	)
	tracer.Start()
	defer tracer.End()
	ctx = telemetry.WithTracer(ctx, tracer)

	// checked first: a trial ending during the pass leaves work for the next one
	allEnded, err := c.trials.AllTrialsEnded(ctx, c.experiment.Experiment)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to check trial state: %w", err)
	}

	requests, err := c.frontier.UnmeasuredSnapshots(ctx, c.experiment.Experiment, maxCycle)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if len(requests) == 0 {
		c.logger.Debug("nothing to measure", zap.Bool("all_ended", allEnded))
		return allEnded, nil
	}
	c.logger.Info("dispatching measurements", zap.Int("trials", len(requests)))

	results := make(chan database.Snapshot, max(c.experiment.Measure.BatchSize, 1))
	done := make(chan struct{})
	go c.dispatch(ctx, requests, maxCycle, results, done)

	persisted, err := Drain(ctx, results, done, c.experiment.Measure.BatchSize, c.experiment.Measure.PollTimeout, c.persist)
	tracer.AddEvent("pass finished", telemetry.NewEventAttributes(map[string]string{
		"requests":  fmt.Sprint(len(requests)),
		"persisted": fmt.Sprint(persisted),
	}))
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return false, err
	}
	c.logger.Info("measurement pass finished", zap.Int("snapshots", persisted))
	tracer.SetStatus(codes.Ok, "pass finished")
	return allEnded && persisted == 0, nil
}

// dispatch runs one walk per request on the worker pool and closes done once
// every walk returned.
func (c *Coordinator) dispatch(ctx context.Context, requests []types.SnapshotRequest, maxCycle int, results chan<- database.Snapshot, done chan<- struct{}) {
	defer close(done)
	var g errgroup.Group
	g.SetLimit(max(c.experiment.Measure.Workers, 1))
	for _, req := range requests {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("measurement worker panicked",
						zap.String("trial", req.String()),
						zap.Any("panic", r))
				}
			}()
			c.measurer.MeasureTrial(ctx, req, maxCycle, c.blacklist, results)
			return nil
		})
	}
	g.Wait()
}

func (c *Coordinator) reportTotals(ctx context.Context) {
	total, err := c.snapshots.CountSnapshots(ctx, c.experiment.Experiment)
	if err != nil {
		c.logger.Warn("failed to count snapshots", zap.Error(err))
	}
	c.logger.Info("all trials ended and measured", zap.Int64("snapshots", total))
}

func (c *Coordinator) persist(ctx context.Context, batch []database.Snapshot) error {
	inserted, err := c.snapshots.AddSnapshots(ctx, batch)
	if err != nil {
		return err
	}
	c.metrics.SnapshotsPersisted.Add(float64(inserted))
	if int(inserted) < len(batch) {
		c.logger.Warn("skipped already recorded snapshots", zap.Int("skipped", len(batch)-int(inserted)))
	}
	return nil
}

// Drain reads snapshots from results and hands them to flush in batches of
// batchSize. When results stays empty for pollTimeout and done is closed, the
// partial batch is flushed and Drain returns the number of snapshots flushed.
//
// Producers must stop sending before closing done. A failed flush keeps its
// batch for the next attempt so that producers are never left blocked.
func Drain(ctx context.Context, results <-chan database.Snapshot, done <-chan struct{}, batchSize int, pollTimeout time.Duration,
	flush func(context.Context, []database.Snapshot) error) (int, error) {
	var (
		batch     = make([]database.Snapshot, 0, batchSize)
		flushed   int
		flushErr  error
		flushOnce = func(ctx context.Context) {
			if len(batch) == 0 {
				return
			}
			if flushErr = flush(ctx, batch); flushErr != nil {
				return
			}
			flushed += len(batch)
			batch = make([]database.Snapshot, 0, batchSize)
		}
	)

	for {
		select {
		case snapshot := <-results:
			batch = append(batch, snapshot)
			if len(batch) >= batchSize {
				flushOnce(ctx)
			}
		case <-ctx.Done():
			// keep what was measured, including what is still buffered
			for len(results) > 0 {
				batch = append(batch, <-results)
			}
			flushOnce(context.WithoutCancel(ctx))
			return flushed, errors.Join(ctx.Err(), flushErr)
		case <-time.After(pollTimeout):
			select {
			case <-done:
				if len(results) > 0 {
					continue
				}
				flushOnce(ctx)
				if flushErr != nil {
					return flushed, fmt.Errorf("failed to persist %d snapshots: %w", len(batch), flushErr)
				}
				return flushed, nil
			default:
			}
		}
	}
}

// watchArchives wakes the loop when the runner syncs a corpus archive into a
// local filestore. Remote backends are only polled.
func (c *Coordinator) watchArchives(ctx context.Context) <-chan string {
	local, ok := c.store.(*filestore.Local)
	if !ok || c.watchDogs == nil {
		return nil
	}
	wake := make(chan string, 1)
	dog, err := c.watchDogs.New(ctx, wake, isCorpusArchive)
	if err != nil {
		c.logger.Warn("failed to watch the filestore, polling only", zap.Error(err))
		return nil
	}
	if err := dog.AddTree(local.LocalPath(types.ExperimentFolders)); err != nil {
		c.logger.Warn("failed to watch the experiment folders, polling only", zap.Error(err))
	}
	return wake
}

func isCorpusArchive(name string) bool {
	_, ok := types.ParseCorpusArchiveName(filepath.Base(name))
	return ok
}

type StartParams struct {
	fx.In

	Lc          fx.Lifecycle
	Coordinator *Coordinator
	Logger      *zap.Logger
	Shutdowner  fx.Shutdowner
}

// StartCoordinator runs the coordinator for the lifetime of the app and shuts
// the app down when the experiment is complete.
func StartCoordinator(p StartParams) {
	runCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(stopped)
				err := p.Coordinator.Run(runCtx)
				if errors.Is(err, context.Canceled) {
					return
				}
				exitCode := 0
				if err != nil {
					p.Logger.Error("measurement stopped", zap.Error(err))
					exitCode = 1
				}
				p.Shutdowner.Shutdown(fx.ExitCode(exitCode))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-stopped:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
