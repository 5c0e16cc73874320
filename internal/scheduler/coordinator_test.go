package scheduler

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"b3bench/config"
	"b3bench/internal/builder"
	"b3bench/internal/crash"
	"b3bench/internal/measurer"
	"b3bench/internal/types"
	"b3bench/pkg/database"
	"b3bench/pkg/filestore"
	"b3bench/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]database.Snapshot
	fails   int // number of flushes to fail first
}

func (r *recorder) flush(ctx context.Context, batch []database.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("database unavailable")
	}
	r.batches = append(r.batches, append([]database.Snapshot(nil), batch...))
	return nil
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

// produce sends m snapshots from several goroutines at random times, then
// closes done.
func produce(m, producers int, results chan<- database.Snapshot, done chan<- struct{}) {
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := p; i < m; i += producers {
				time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
				results <- database.NewSnapshot(uint(i), 1, 900, int64(i))
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
}

func TestDrainIsExact(t *testing.T) {
	for _, batchSize := range []int{1, 3, 7, 100} {
		t.Run(fmt.Sprintf("batch %d", batchSize), func(t *testing.T) {
			rec := &recorder{}
			results := make(chan database.Snapshot, batchSize)
			done := make(chan struct{})
			produce(25, 4, results, done)

			n, err := Drain(context.Background(), results, done, batchSize, 5*time.Millisecond, rec.flush)
			require.NoError(t, err)
			assert.Equal(t, 25, n)
			assert.Equal(t, 25, rec.total())
			for _, batch := range rec.batches {
				assert.LessOrEqual(t, len(batch), batchSize)
			}

			seen := make(map[uint]bool)
			for _, batch := range rec.batches {
				for _, s := range batch {
					assert.False(t, seen[s.TrialID], "snapshot %d flushed twice", s.TrialID)
					seen[s.TrialID] = true
				}
			}
		})
	}
}

func TestDrainNothingProduced(t *testing.T) {
	rec := &recorder{}
	done := make(chan struct{})
	close(done)
	n, err := Drain(context.Background(), make(chan database.Snapshot), done, 10, time.Millisecond, rec.flush)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec.batches)
}

func TestDrainKeepsFailedBatch(t *testing.T) {
	rec := &recorder{fails: 1}
	results := make(chan database.Snapshot, 2)
	done := make(chan struct{})
	produce(10, 2, results, done)

	n, err := Drain(context.Background(), results, done, 2, 5*time.Millisecond, rec.flush)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, rec.total())
}

func TestDrainFlushesOnCancel(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan database.Snapshot, 10)
	results <- database.NewSnapshot(1, 1, 900, 1)
	results <- database.NewSnapshot(2, 1, 900, 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	n, err := Drain(ctx, results, make(chan struct{}), 10, 5*time.Millisecond, rec.flush)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, rec.total())
}

func TestDrainFlushesBufferedOnCancel(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := make(chan database.Snapshot, 10)
	for i := range 7 {
		results <- database.NewSnapshot(uint(i), 1, 900, 1)
	}

	n, err := Drain(ctx, results, make(chan struct{}), 100, time.Hour, rec.flush)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 7, n)
	assert.Equal(t, 7, rec.total())
	assert.Empty(t, results)
}

// fakeMeasurer produces one snapshot per requested cycle up to a limit.
type fakeMeasurer struct {
	mu       sync.Mutex
	limit    int
	requests []types.SnapshotRequest
}

func (f *fakeMeasurer) MeasureTrial(ctx context.Context, req types.SnapshotRequest, maxCycle int, blacklist crash.Blacklist, out chan<- database.Snapshot) int {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	n := 0
	for cycle := req.Cycle; cycle <= min(maxCycle, f.limit); cycle++ {
		out <- database.NewSnapshot(req.TrialID, cycle, 900, int64(cycle))
		n++
	}
	return n
}

func testConfig(t *testing.T, root string) *config.AppConfig {
	return &config.AppConfig{Experiment: &config.ExperimentConfig{
		Experiment:     "e",
		Fuzzers:        []string{"f1", "f2"},
		Benchmarks:     []string{"b1"},
		Trials:         2,
		MaxTotalTime:   1800,
		SnapshotPeriod: 900,
		Filestore:      config.FilestoreConfig{Backend: config.FilestoreLocal, Root: root},
		Build:          config.BuildConfig{Concurrency: 2, MaxAttempts: 1, MaxBackoff: 1},
		Measure: config.MeasureConfig{
			Workers:     2,
			BatchSize:   3,
			PollTimeout: 5 * time.Millisecond,
			Interval:    10 * time.Millisecond,
			WorkDir:     t.TempDir(),
		},
	}}
}

func newTestCoordinator(t *testing.T, r repos, worker *measurer.Worker, store filestore.Filestore, m *metrics.Metrics) *Coordinator {
	cfg := testConfig(t, t.TempDir())
	return NewCoordinator(CoordinatorParams{
		Logger:    zap.NewNop(),
		Config:    cfg,
		Trials:    r.trials,
		Snapshots: r.snapshots,
		Worker:    worker,
		Blacklist: crash.NewMemoryBlacklist(),
		Filestore: store,
		Metrics:   m,
	})
}

func TestRunPassPersistsAndFinishes(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	m := metrics.New()
	c := newTestCoordinator(t, r, nil, nil, m)
	fake := &fakeMeasurer{limit: 2}
	c.measurer = fake

	a := r.addTrial(t, "f1", "b1", true)
	b := r.addTrial(t, "f2", "b1", true)

	finished, err := c.RunPass(ctx, 2)
	require.NoError(t, err)
	assert.False(t, finished)
	for _, trial := range []*database.Trial{a, b} {
		snapshots, err := r.snapshots.TrialSnapshots(ctx, trial.ID)
		require.NoError(t, err)
		assert.Len(t, snapshots, 2)
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SnapshotsPersisted))

	// trials still running: nothing to do, not finished
	finished, err = c.RunPass(ctx, 2)
	require.NoError(t, err)
	assert.False(t, finished)

	now := time.Now()
	require.NoError(t, r.trials.MarkEnded(ctx, a.ID, now))
	require.NoError(t, r.trials.MarkEnded(ctx, b.ID, now))
	finished, err = c.RunPass(ctx, 2)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Len(t, fake.requests, 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MeasurementPasses))
}

func TestRunPassNotFinishedWhenMeasuring(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	c := newTestCoordinator(t, r, nil, nil, metrics.New())
	c.measurer = &fakeMeasurer{limit: 1}

	trial := r.addTrial(t, "f1", "b1", true)
	require.NoError(t, r.trials.MarkEnded(ctx, trial.ID, time.Now()))

	// the pass still produced work, so another one is needed
	finished, err := c.RunPass(ctx, 2)
	require.NoError(t, err)
	assert.False(t, finished)
}

func TestRunPassWithoutWorkerLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := newRepos(t)
	c := newTestCoordinator(t, r, nil, nil, metrics.New())
	c.measurer = &fakeMeasurer{limit: 1}
	c.experiment.Measure.Workers = 0
	r.addTrial(t, "f1", "b1", true)

	_, err := c.RunPass(ctx, 2)
	require.NoError(t, err)
	latest, err := r.snapshots.LatestSnapshots(ctx, "e")
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}

// flakyTrials fails the first AllTrialsEnded calls.
type flakyTrials struct {
	database.TrialRepository
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTrials) AllTrialsEnded(ctx context.Context, experiment string) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return false, errors.New("connection reset by peer")
	}
	return f.TrialRepository.AllTrialsEnded(ctx, experiment)
}

func TestRunSurvivesFailedPass(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r := newRepos(t)
	m := metrics.New()
	trial := r.addTrial(t, "f1", "b1", true)
	require.NoError(t, r.trials.MarkEnded(ctx, trial.ID, time.Now()))

	flaky := &flakyTrials{TrialRepository: r.trials, failures: 2}
	core, logs := observer.New(zap.InfoLevel)
	c := NewCoordinator(CoordinatorParams{
		Logger:    zap.New(core),
		Config:    testConfig(t, t.TempDir()),
		Trials:    flaky,
		Snapshots: r.snapshots,
		Blacklist: crash.NewMemoryBlacklist(),
		Metrics:   m,
	})
	c.measurer = &fakeMeasurer{limit: 2}

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, 2, logs.FilterMessage("measurement pass failed").Len())
	assert.Zero(t, logs.FilterMessage("failed to count snapshots").Len())
	snapshots, err := r.snapshots.TrialSnapshots(ctx, trial.ID)
	require.NoError(t, err)
	assert.Len(t, snapshots, 2)
	// two failed passes, one measuring, one confirming completion
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MeasurementPasses))
	finished := logs.FilterMessage("all trials ended and measured").AllUntimed()
	require.Len(t, finished, 1)
	assert.Equal(t, int64(2), finished[0].ContextMap()["snapshots"])
}

// profileCoverage counts every distinct unit ever run as one covered region.
type profileCoverage struct{}

func (profileCoverage) RunUnits(ctx context.Context, benchmark, unitsDir, profileDir, crashesDir string) ([]string, error) {
	entries, err := os.ReadDir(unitsDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	if err := os.MkdirAll(profileDir, 0755); err != nil {
		return nil, err
	}
	profile := filepath.Join(profileDir, "data.profraw")
	return []string{profile}, os.WriteFile(profile, []byte(strings.Join(names, "\n")), 0644)
}

func (profileCoverage) MergeProfiles(ctx context.Context, inputs []string, output string) error {
	seen := map[string]bool{}
	var lines []string
	for _, input := range inputs {
		content, err := os.ReadFile(input)
		if err != nil {
			return err
		}
		for _, line := range strings.Fields(string(content)) {
			if !seen[line] {
				seen[line] = true
				lines = append(lines, line)
			}
		}
	}
	return os.WriteFile(output, []byte(strings.Join(lines, "\n")), 0644)
}

func (profileCoverage) ExportSummary(ctx context.Context, benchmark, profdata, summaryPath string) error {
	content, err := os.ReadFile(profdata)
	if err != nil {
		return err
	}
	summary := fmt.Sprintf(`{"data":[{"totals":{"regions":{"covered":%d}}}]}`, len(strings.Fields(string(content))))
	return os.WriteFile(summaryPath, []byte(summary), 0644)
}

func writeCorpusArchive(t *testing.T, store filestore.Filestore, trial *database.Trial, cycle int, units ...string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for i, unit := range units {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     fmt.Sprintf("corpus/unit-%d", i),
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(unit)),
		}))
		_, err := tw.Write([]byte(unit))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	path := types.CorpusArchivePath(trial.Benchmark, trial.Fuzzer, trial.ID, cycle)
	require.NoError(t, store.Write(context.Background(), path, buf.Bytes()))
}

type okBuildSystem struct{}

func (okBuildSystem) BuildBaseImages(ctx context.Context) error { return nil }
func (okBuildSystem) BuildCoverage(ctx context.Context, benchmark string) error {
	return nil
}
func (okBuildSystem) BuildFuzzer(ctx context.Context, fuzzer, benchmark string) error {
	return nil
}

func TestExperimentEndToEnd(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	m := metrics.New()
	store, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)
	cfg := testConfig(t, store.Root())

	orchestrator := builder.NewOrchestrator(builder.OrchestratorParams{
		Logger:      zap.NewNop(),
		Config:      cfg,
		BuildSystem: okBuildSystem{},
		Trials:      r.trials,
		Metrics:     m,
	})
	trials, err := orchestrator.BuildExperiment(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 4)
	all, err := r.trials.ListTrials(ctx, "e")
	require.NoError(t, err)
	require.Len(t, all, 4)

	var trial *database.Trial
	for _, candidate := range trials {
		if candidate.Fuzzer == "f1" && candidate.Benchmark == "b1" {
			trial = candidate
			break
		}
	}
	require.NotNil(t, trial)
	require.NoError(t, r.trials.MarkStarted(ctx, trial.ID, time.Now()))

	worker := measurer.NewWorker(measurer.WorkerParams{
		Logger:    zap.NewNop(),
		Config:    cfg,
		Filestore: store,
		Coverage:  profileCoverage{},
		Metrics:   m,
	})
	c := NewCoordinator(CoordinatorParams{
		Logger:    zap.NewNop(),
		Config:    cfg,
		Trials:    r.trials,
		Snapshots: r.snapshots,
		Worker:    worker,
		Blacklist: crash.NewMemoryBlacklist(),
		Filestore: store,
		Metrics:   m,
	})
	maxCycle := MaxCycle(cfg.Experiment.MaxTotalTime, cfg.Experiment.SnapshotPeriod)
	require.Equal(t, 2, maxCycle)

	writeCorpusArchive(t, store, trial, 1, "a", "b")
	_, err = c.RunPass(ctx, maxCycle)
	require.NoError(t, err)
	snapshots, err := r.snapshots.TrialSnapshots(ctx, trial.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, int64(900), snapshots[0].Time)
	assert.Equal(t, int64(2), snapshots[0].EdgesCovered)

	writeCorpusArchive(t, store, trial, 2, "a", "b", "c")
	_, err = c.RunPass(ctx, maxCycle)
	require.NoError(t, err)
	snapshots, err = r.snapshots.TrialSnapshots(ctx, trial.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, int64(1800), snapshots[1].Time)
	assert.Equal(t, int64(3), snapshots[1].EdgesCovered)

	requests, err := c.frontier.UnmeasuredSnapshots(ctx, "e", maxCycle)
	require.NoError(t, err)
	for _, req := range requests {
		assert.NotEqual(t, trial.ID, req.TrialID)
	}
}

func TestRunStopsWhenExperimentComplete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r := newRepos(t)
	m := metrics.New()
	store, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)

	trial := r.addTrial(t, "f1", "b1", true)
	writeCorpusArchive(t, store, trial, 1, "a")
	writeCorpusArchive(t, store, trial, 2, "a", "b")
	require.NoError(t, r.trials.MarkEnded(ctx, trial.ID, time.Now()))

	cfg := testConfig(t, store.Root())
	worker := measurer.NewWorker(measurer.WorkerParams{
		Logger:    zap.NewNop(),
		Config:    cfg,
		Filestore: store,
		Coverage:  profileCoverage{},
		Metrics:   m,
	})
	c := NewCoordinator(CoordinatorParams{
		Logger:    zap.NewNop(),
		Config:    cfg,
		Trials:    r.trials,
		Snapshots: r.snapshots,
		Worker:    worker,
		Blacklist: crash.NewMemoryBlacklist(),
		Filestore: store,
		Metrics:   m,
	})

	require.NoError(t, c.Run(ctx))
	snapshots, err := r.snapshots.TrialSnapshots(ctx, trial.ID)
	require.NoError(t, err)
	assert.Len(t, snapshots, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SnapshotsPersisted))
}

func TestIsCorpusArchive(t *testing.T) {
	assert.True(t, isCorpusArchive("/data/experiment-folders/b1-f1/trial-1/corpus/corpus-archive-0003.tar.gz"))
	assert.False(t, isCorpusArchive("/data/experiment-folders/b1-f1/trial-1/corpus/corpus-archive-0003.tar.gz.tmp"))
	assert.False(t, isCorpusArchive("/data/experiment-folders/b1-f1/trial-1/results/unchanged-cycles"))
}
