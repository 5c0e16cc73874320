package measurer

import (
	"b3bench/config"
	"b3bench/internal/corpus"
	"b3bench/internal/crash"
	"b3bench/internal/types"
	"b3bench/internal/utils"
	"b3bench/pkg/database"
	"b3bench/pkg/filestore"
	"b3bench/pkg/metrics"
	"b3bench/pkg/telemetry"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrArchiveMissing means the runner has not synced the corpus archive of a
// cycle yet. It ends the walk of a trial for the current pass.
var ErrArchiveMissing = errors.New("corpus archive not available yet")

var Module = fx.Options(
	fx.Provide(NewLLVMCoverageTool),
	fx.Provide(NewWorker),
)

// Worker measures the coverage of one trial, cycle after cycle.
type Worker struct {
	logger        *zap.Logger
	experiment    *config.ExperimentConfig
	store         filestore.Filestore
	corpus        *corpus.Store
	coverage      CoverageTool
	metrics       *metrics.Metrics
	tracerFactory *telemetry.TracerFactory
	workDir       string
}

type WorkerParams struct {
	fx.In

	Logger        *zap.Logger
	Config        *config.AppConfig
	Filestore     filestore.Filestore
	Coverage      CoverageTool
	Metrics       *metrics.Metrics
	TracerFactory *telemetry.TracerFactory
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		logger:        p.Logger.Named("measurer"),
		experiment:    p.Config.Experiment,
		store:         p.Filestore,
		corpus:        corpus.NewStore(p.Logger),
		coverage:      p.Coverage,
		metrics:       p.Metrics,
		tracerFactory: p.TracerFactory,
		workDir:       p.Config.Experiment.Measure.WorkDir,
	}
}

// trialState is the local state of one trial. It is only touched by the
// single walk in flight for that trial.
type trialState struct {
	req         types.SnapshotRequest
	root        string
	corpusDir   string
	coverageDir string
	reportsDir  string
	crashesDir  string
	unchanged   *UnchangedCycles
}

func (s *trialState) ledgerPath() string { return filepath.Join(s.reportsDir, "measured-files.txt") }
func (s *trialState) profilePath() string { return filepath.Join(s.coverageDir, "data.profdata") }
func (s *trialState) summaryPath() string { return filepath.Join(s.reportsDir, "cov_summary.json") }

func (w *Worker) prepare(req types.SnapshotRequest) (*trialState, error) {
	root := filepath.Join(w.workDir, types.MeasurementFolders, types.TrialDir(req.Benchmark, req.Fuzzer, req.TrialID))
	st := &trialState{
		req:         req,
		root:        root,
		corpusDir:   filepath.Join(root, "corpus"),
		coverageDir: filepath.Join(root, "coverage"),
		reportsDir:  filepath.Join(root, "reports"),
		crashesDir:  filepath.Join(root, "crashes"),
	}
	for _, dir := range []string{st.corpusDir, st.coverageDir, st.reportsDir, st.crashesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	st.unchanged = NewUnchangedCycles(w.store,
		types.UnchangedCyclesPath(req.Benchmark, req.Fuzzer, req.TrialID),
		filepath.Join(st.reportsDir, "unchanged-cycles"))
	return st, nil
}

// MeasureTrial walks the cycles of one trial from req.Cycle up to maxCycle.
// Every snapshot is sent to out as soon as it is measured. A failed cycle is
// logged and skipped; a missing archive ends the walk. It returns the number
// of snapshots sent.
func (w *Worker) MeasureTrial(ctx context.Context, req types.SnapshotRequest, maxCycle int, blacklist crash.Blacklist, out chan<- database.Snapshot) int {
	logger := w.logger.With(
		zap.String("fuzzer", req.Fuzzer),
		zap.String("benchmark", req.Benchmark),
		zap.Uint("trial_id", req.TrialID))

	tracer := w.tracerFactory.NewTracer(ctx, "measuring trial").WithAttributes(
		telemetry.NewSpanAttributes(telemetry.Measuring).
			WithExperiment(w.experiment.Experiment).
			WithFuzzer(req.Fuzzer).
			WithBenchmark(req.Benchmark).
			WithTrialID(req.TrialID),
	)
	tracer.Start()
	defer tracer.End()
	ctx = telemetry.WithTracer(ctx, tracer)

	st, err := w.prepare(req)
	if err != nil {
		logger.Error("failed to prepare measurement folders", zap.Error(err))
		tracer.SetStatus(codes.Error, err.Error())
		return 0
	}

	measured := 0
	for cycle := req.Cycle; cycle <= maxCycle; cycle++ {
		if ctx.Err() != nil {
			break
		}
		snapshot, err := w.measureCycle(ctx, st, cycle, blacklist)
		if errors.Is(err, ErrArchiveMissing) {
			logger.Debug("corpus archive not synced yet", zap.Int("cycle", cycle))
			break
		}
		if err != nil {
			w.metrics.CycleFailures.WithLabelValues(req.Fuzzer, req.Benchmark).Inc()
			logger.Error("failed to measure cycle", zap.Int("cycle", cycle), zap.Error(err))
			continue
		}

		select {
		case out <- snapshot:
		case <-ctx.Done():
			return measured
		}
		measured++
		w.metrics.SnapshotsMeasured.WithLabelValues(req.Fuzzer, req.Benchmark).Inc()
		logger.Info("measured snapshot",
			zap.Int("cycle", cycle),
			zap.Int64("time", snapshot.Time),
			zap.Int64("edges_covered", snapshot.EdgesCovered))
	}

	tracer.SetStatus(codes.Ok, fmt.Sprintf("%d snapshots", measured))
	return measured
}

func (w *Worker) measureCycle(ctx context.Context, st *trialState, cycle int, blacklist crash.Blacklist) (database.Snapshot, error) {
	req := st.req
	tracer := telemetry.FromContext(ctx).Spawn(fmt.Sprintf("measuring cycle %d", cycle)).
		WithAttributes(telemetry.EmptySpanAttributes().WithCycle(cycle))
	tracer.Start()
	defer tracer.End()

	archive := types.CorpusArchivePath(req.Benchmark, req.Fuzzer, req.TrialID, cycle)
	exists, err := w.store.Exists(ctx, archive)
	if err != nil {
		return database.Snapshot{}, fmt.Errorf("failed to check corpus archive: %w", err)
	}
	if !exists {
		return database.Snapshot{}, ErrArchiveMissing
	}

	unchanged, err := st.unchanged.IsUnchanged(ctx, cycle)
	if err != nil {
		// measuring an unchanged cycle is only slower
		w.logger.Warn("failed to read unchanged cycles", zap.String("trial", req.String()), zap.Error(err))
	}
	if unchanged {
		tracer.AddEvent("cycle unchanged", nil)
		return database.NewSnapshot(req.TrialID, cycle, w.experiment.SnapshotPeriod, w.readMetric(st)), nil
	}

	newUnits, err := w.measureArchive(ctx, st, archive, cycle, blacklist)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return database.Snapshot{}, err
	}
	tracer.WithAttributes(telemetry.EmptySpanAttributes().WithNewUnits(newUnits))

	edges, err := w.summarize(ctx, st)
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return database.Snapshot{}, err
	}

	w.collectCrashes(ctx, st, cycle, blacklist)
	tracer.SetStatus(codes.Ok, "cycle measured")
	return database.NewSnapshot(req.TrialID, cycle, w.experiment.SnapshotPeriod, edges), nil
}

// measureArchive extracts the units of a cycle that were never measured,
// runs them and folds their coverage into the trial profile. It returns the
// number of new units.
func (w *Worker) measureArchive(ctx context.Context, st *trialState, archive string, cycle int, blacklist crash.Blacklist) (int, error) {
	req := st.req
	localArchive := filepath.Join(st.root, types.CorpusArchiveName(cycle))
	defer os.Remove(localArchive)
	if err := w.store.Download(ctx, archive, localArchive); err != nil {
		return 0, fmt.Errorf("failed to download corpus archive: %w", err)
	}

	ledger, err := corpus.ReadLedger(st.ledgerPath())
	if err != nil {
		return 0, fmt.Errorf("failed to read measured files: %w", err)
	}
	crashing, err := blacklist.Members(ctx, req.Benchmark)
	if err != nil {
		return 0, fmt.Errorf("failed to read unit blacklist: %w", err)
	}

	newUnits, err := w.corpus.Extract(localArchive, ledger.Union(corpus.HashSet(crashing)), st.corpusDir)
	if err != nil {
		return 0, err
	}

	if len(newUnits) > 0 {
		if err := w.runUnits(ctx, st, cycle, newUnits); err != nil {
			// unmeasured units must be extracted again by the next cycle
			for _, unit := range newUnits {
				os.Remove(filepath.Join(st.corpusDir, unit))
			}
			return 0, err
		}
	}

	ledger.Add(newUnits...)
	if err := corpus.WriteLedger(st.ledgerPath(), ledger); err != nil {
		return 0, fmt.Errorf("failed to write measured files: %w", err)
	}
	return len(newUnits), nil
}

func (w *Worker) runUnits(ctx context.Context, st *trialState, cycle int, units []string) error {
	req := st.req
	unitsDir := filepath.Join(st.root, "units-"+uuid.NewString())
	defer os.RemoveAll(unitsDir)
	if err := utils.LinkFiles(st.corpusDir, units, unitsDir); err != nil {
		return fmt.Errorf("failed to stage new units: %w", err)
	}

	profileDir := filepath.Join(st.coverageDir, fmt.Sprintf("cycle-%04d", cycle))
	os.RemoveAll(profileDir)
	defer os.RemoveAll(profileDir)
	rawProfiles, err := w.coverage.RunUnits(ctx, req.Benchmark, unitsDir, profileDir, st.crashesDir)
	if err != nil {
		if !noFindings(ctx, err) {
			return fmt.Errorf("failed to run coverage binary: %w", err)
		}
		w.logger.Warn("coverage run produced no findings",
			zap.String("trial", req.String()),
			zap.Int("units", len(units)),
			zap.Bool("timed_out", utils.IsTimeout(err)),
			zap.Error(err))
		return nil
	}
	if len(rawProfiles) == 0 {
		w.logger.Warn("coverage run wrote no profile",
			zap.String("trial", req.String()), zap.Int("units", len(units)))
		return nil
	}

	inputs := rawProfiles
	if _, err := os.Stat(st.profilePath()); err == nil {
		inputs = append(inputs, st.profilePath())
	}
	merged := st.profilePath() + ".tmp"
	if err := w.coverage.MergeProfiles(ctx, inputs, merged); err != nil {
		os.Remove(merged)
		if !noFindings(ctx, err) {
			return fmt.Errorf("failed to merge coverage profiles: %w", err)
		}
		w.logger.Warn("failed to merge coverage profile, keeping the previous one",
			zap.String("trial", req.String()), zap.Error(err))
		return nil
	}
	return os.Rename(merged, st.profilePath())
}

// summarize exports the summary of the trial profile and returns its covered
// region count. Without a profile the count is zero.
func (w *Worker) summarize(ctx context.Context, st *trialState) (int64, error) {
	if _, err := os.Stat(st.profilePath()); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err := w.coverage.ExportSummary(ctx, st.req.Benchmark, st.profilePath(), st.summaryPath()); err != nil {
		if !noFindings(ctx, err) {
			return 0, fmt.Errorf("failed to export coverage summary: %w", err)
		}
		w.logger.Warn("failed to export coverage summary, using the previous one",
			zap.String("trial", st.req.String()), zap.Error(err))
	}
	return w.readMetric(st), nil
}

func (w *Worker) readMetric(st *trialState) int64 {
	edges, err := ReadCoverageSummary(st.summaryPath())
	if err != nil {
		w.logger.Error("failed to parse coverage summary",
			zap.String("trial", st.req.String()),
			zap.String("path", st.summaryPath()),
			zap.Error(err))
		return 0
	}
	return edges
}

// collectCrashes blacklists the units that crashed the coverage binary and
// uploads their artifacts. Failures only cost the crash report.
func (w *Worker) collectCrashes(ctx context.Context, st *trialState, cycle int, blacklist crash.Blacklist) {
	req := st.req
	crashing, err := crash.CrashingUnits(st.crashesDir)
	if err != nil {
		w.logger.Warn("failed to hash crash artifacts", zap.String("trial", req.String()), zap.Error(err))
		return
	}
	if len(crashing) == 0 {
		return
	}
	if err := blacklist.Add(ctx, req.Benchmark, crashing...); err != nil {
		w.logger.Warn("failed to blacklist crashing units", zap.String("trial", req.String()), zap.Error(err))
	}
	remote := types.CrashesArchivePath(req.Benchmark, req.Fuzzer, req.TrialID, cycle)
	if _, err := crash.ArchiveCrashes(ctx, w.store, st.crashesDir, remote); err != nil {
		w.logger.Warn("failed to archive crashes", zap.String("trial", req.String()), zap.Error(err))
		return
	}
	w.logger.Info("archived crashes",
		zap.String("trial", req.String()),
		zap.Int("crashing_units", len(crashing)),
		zap.String("path", remote))
}

// noFindings reports whether a failed tool invocation only means the cycle
// has nothing new to add: a timeout or a nonzero exit. A cancelled context is
// not one of them.
func noFindings(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var cmdErr *utils.CommandError
	return errors.As(err, &cmdErr)
}
