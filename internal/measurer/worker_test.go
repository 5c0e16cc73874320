package measurer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"b3bench/config"
	"b3bench/internal/corpus"
	"b3bench/internal/crash"
	"b3bench/internal/types"
	"b3bench/internal/utils"
	"b3bench/pkg/database"
	"b3bench/pkg/filestore"
	"b3bench/pkg/metrics"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sha(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// fakeCoverage treats a profile as the set of unit names it covers. Units
// whose content starts with "crash" leave an artifact behind.
type fakeCoverage struct {
	mu         sync.Mutex
	runs       [][]string
	runErrs    map[int]error // run index -> error
	badSummary bool
}

// RunUnits writes one raw profile per unit, like merge mode's child
// processes each dumping their own counters.
func (f *fakeCoverage) RunUnits(ctx context.Context, benchmark, unitsDir, profileDir, crashesDir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(unitsDir)
	if err != nil {
		return nil, err
	}
	var units []string
	for _, entry := range entries {
		units = append(units, entry.Name())
		content, err := os.ReadFile(filepath.Join(unitsDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(string(content), "crash") {
			if err := os.WriteFile(filepath.Join(crashesDir, "crash-"+entry.Name()), content, 0644); err != nil {
				return nil, err
			}
		}
	}
	f.runs = append(f.runs, units)
	if err := f.runErrs[len(f.runs)]; err != nil {
		return nil, err
	}
	if err := os.MkdirAll(profileDir, 0755); err != nil {
		return nil, err
	}
	var profiles []string
	for i, unit := range units {
		profile := filepath.Join(profileDir, fmt.Sprintf("data-%d.profraw", i))
		if err := os.WriteFile(profile, []byte(unit), 0644); err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (f *fakeCoverage) MergeProfiles(ctx context.Context, inputs []string, output string) error {
	covered := corpus.NewHashSet()
	for _, input := range inputs {
		content, err := os.ReadFile(input)
		if err != nil {
			return err
		}
		for _, line := range strings.Fields(string(content)) {
			covered.Add(line)
		}
	}
	return os.WriteFile(output, []byte(strings.Join(covered.Sorted(), "\n")), 0644)
}

func (f *fakeCoverage) ExportSummary(ctx context.Context, benchmark, profdata, summaryPath string) error {
	if f.badSummary {
		return os.WriteFile(summaryPath, []byte("not a summary"), 0644)
	}
	content, err := os.ReadFile(profdata)
	if err != nil {
		return err
	}
	summary := fmt.Sprintf("warning: profile is stale\n{\"data\":[{\"totals\":{\"regions\":{\"covered\":%d}}}]}\n",
		len(strings.Fields(string(content))))
	return os.WriteFile(summaryPath, []byte(summary), 0644)
}

func (f *fakeCoverage) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type workerEnv struct {
	worker  *Worker
	store   *filestore.Local
	metrics *metrics.Metrics
	workDir string
}

func newWorkerEnv(t *testing.T, coverage CoverageTool) *workerEnv {
	t.Helper()
	store, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)
	workDir := t.TempDir()
	m := metrics.New()
	cfg := &config.AppConfig{Experiment: &config.ExperimentConfig{
		Experiment:     "e",
		MaxTotalTime:   2700,
		SnapshotPeriod: 900,
		Measure:        config.MeasureConfig{WorkDir: workDir},
	}}
	w := NewWorker(WorkerParams{
		Logger:    zap.NewNop(),
		Config:    cfg,
		Filestore: store,
		Coverage:  coverage,
		Metrics:   m,
	})
	return &workerEnv{worker: w, store: store, metrics: m, workDir: workDir}
}

// putArchive stores a corpus archive of name -> content members for a cycle.
func (e *workerEnv) putArchive(t *testing.T, req types.SnapshotRequest, cycle int, members map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := members[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     "corpus/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	path := types.CorpusArchivePath(req.Benchmark, req.Fuzzer, req.TrialID, cycle)
	require.NoError(t, e.store.Write(context.Background(), path, buf.Bytes()))
}

func (e *workerEnv) measure(t *testing.T, req types.SnapshotRequest, maxCycle int, blacklist crash.Blacklist) []database.Snapshot {
	t.Helper()
	out := make(chan database.Snapshot, 16)
	n := e.worker.MeasureTrial(context.Background(), req, maxCycle, blacklist, out)
	close(out)
	var snapshots []database.Snapshot
	for s := range out {
		snapshots = append(snapshots, s)
	}
	require.Len(t, snapshots, n)
	return snapshots
}

type point struct {
	Time  int64
	Edges int64
}

func points(snapshots []database.Snapshot) []point {
	var ps []point
	for _, s := range snapshots {
		ps = append(ps, point{s.Time, s.EdgesCovered})
	}
	return ps
}

var testReq = types.SnapshotRequest{Fuzzer: "f1", Benchmark: "b1", TrialID: 1, Cycle: 1}

func TestMeasureTrialWalksCycles(t *testing.T) {
	coverage := &fakeCoverage{}
	env := newWorkerEnv(t, coverage)
	env.putArchive(t, testReq, 1, map[string]string{"a": "one", "b": "two"})
	env.putArchive(t, testReq, 2, map[string]string{"a": "one", "b": "two", "c": "three", "d": "two"})

	snapshots := env.measure(t, testReq, 3, crash.NewMemoryBlacklist())

	// cycle 3 has no archive yet
	want := []point{{900, 2}, {1800, 3}}
	if diff := cmp.Diff(want, points(snapshots)); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
	for _, s := range snapshots {
		assert.Equal(t, uint(1), s.TrialID)
	}

	// only new content is run
	require.Len(t, coverage.runs, 2)
	assert.ElementsMatch(t, []string{sha("one"), sha("two")}, coverage.runs[0])
	assert.Equal(t, []string{sha("three")}, coverage.runs[1])

	root := filepath.Join(env.workDir, "measurement-folders", types.TrialDir("b1", "f1", 1))
	ledger, err := corpus.ReadLedger(filepath.Join(root, "reports", "measured-files.txt"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{sha("one"), sha("two"), sha("three")}, ledger.Sorted())

	// downloaded archives do not linger
	matches, err := filepath.Glob(filepath.Join(root, "corpus-archive-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	// every raw profile of a run is merged, then dropped
	profile, err := os.ReadFile(filepath.Join(root, "coverage", "data.profdata"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{sha("one"), sha("two"), sha("three")}, strings.Fields(string(profile)))
	matches, err = filepath.Glob(filepath.Join(root, "coverage", "cycle-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.SnapshotsMeasured.WithLabelValues("f1", "b1")))
}

func TestMeasureTrialResumesFromFrontier(t *testing.T) {
	coverage := &fakeCoverage{}
	env := newWorkerEnv(t, coverage)
	env.putArchive(t, testReq, 1, map[string]string{"a": "one"})

	first := env.measure(t, testReq, 2, crash.NewMemoryBlacklist())
	require.Len(t, first, 1)

	env.putArchive(t, testReq, 2, map[string]string{"a": "one", "b": "two"})
	next := testReq
	next.Cycle = 2
	second := env.measure(t, next, 2, crash.NewMemoryBlacklist())

	if diff := cmp.Diff([]point{{1800, 2}}, points(second)); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, coverage.runCount())
}

func TestMeasureTrialMissingArchive(t *testing.T) {
	coverage := &fakeCoverage{}
	env := newWorkerEnv(t, coverage)

	snapshots := env.measure(t, testReq, 3, crash.NewMemoryBlacklist())
	assert.Empty(t, snapshots)
	assert.Zero(t, coverage.runCount())
	assert.Zero(t, testutil.ToFloat64(env.metrics.CycleFailures.WithLabelValues("f1", "b1")))
}

func TestMeasureTrialUnchangedCycle(t *testing.T) {
	coverage := &fakeCoverage{}
	env := newWorkerEnv(t, coverage)
	env.putArchive(t, testReq, 1, map[string]string{"a": "one", "b": "two"})
	env.putArchive(t, testReq, 2, map[string]string{"a": "one", "b": "two", "c": "three"})
	path := types.UnchangedCyclesPath("b1", "f1", 1)
	require.NoError(t, env.store.Write(context.Background(), path, []byte("2\n")))

	snapshots := env.measure(t, testReq, 2, crash.NewMemoryBlacklist())

	if diff := cmp.Diff([]point{{900, 2}, {1800, 2}}, points(snapshots)); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, coverage.runCount())
}

func TestMeasureTrialTimeoutKeepsPreviousProfile(t *testing.T) {
	coverage := &fakeCoverage{runErrs: map[int]error{
		2: &utils.CommandError{Args: []string{"coverage"}, ExitCode: -1, TimedOut: true},
	}}
	env := newWorkerEnv(t, coverage)
	env.putArchive(t, testReq, 1, map[string]string{"a": "one"})
	env.putArchive(t, testReq, 2, map[string]string{"a": "one", "b": "slow"})

	snapshots := env.measure(t, testReq, 2, crash.NewMemoryBlacklist())

	if diff := cmp.Diff([]point{{900, 1}, {1800, 1}}, points(snapshots)); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, testutil.ToFloat64(env.metrics.CycleFailures.WithLabelValues("f1", "b1")))
}

func TestMeasureTrialFailedCycleIsSkipped(t *testing.T) {
	coverage := &fakeCoverage{runErrs: map[int]error{1: errors.New("coverage binary missing")}}
	env := newWorkerEnv(t, coverage)
	env.putArchive(t, testReq, 1, map[string]string{"a": "one"})
	env.putArchive(t, testReq, 2, map[string]string{"a": "one", "b": "two"})

	snapshots := env.measure(t, testReq, 2, crash.NewMemoryBlacklist())

	// the units of the failed cycle are measured by the next one
	if diff := cmp.Diff([]point{{1800, 2}}, points(snapshots)); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, coverage.runs, 2)
	assert.ElementsMatch(t, []string{sha("one"), sha("two")}, coverage.runs[1])
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CycleFailures.WithLabelValues("f1", "b1")))
}

func TestMeasureTrialMalformedSummary(t *testing.T) {
	coverage := &fakeCoverage{badSummary: true}
	env := newWorkerEnv(t, coverage)
	env.putArchive(t, testReq, 1, map[string]string{"a": "one"})

	snapshots := env.measure(t, testReq, 1, crash.NewMemoryBlacklist())
	if diff := cmp.Diff([]point{{900, 0}}, points(snapshots)); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
}

func TestMeasureTrialBlacklistsCrashes(t *testing.T) {
	ctx := context.Background()
	coverage := &fakeCoverage{}
	env := newWorkerEnv(t, coverage)
	blacklist := crash.NewMemoryBlacklist()
	env.putArchive(t, testReq, 1, map[string]string{"a": "crash me", "b": "fine"})

	snapshots := env.measure(t, testReq, 1, blacklist)
	require.Len(t, snapshots, 1)

	crashing, err := blacklist.Members(ctx, "b1")
	require.NoError(t, err)
	assert.Contains(t, crashing, sha("crash me"))
	exists, err := env.store.Exists(ctx, types.CrashesArchivePath("b1", "f1", 1, 1))
	require.NoError(t, err)
	assert.True(t, exists)

	// another trial of the same benchmark never runs the crashing unit
	other := types.SnapshotRequest{Fuzzer: "f2", Benchmark: "b1", TrialID: 2, Cycle: 1}
	env.putArchive(t, other, 1, map[string]string{"x": "crash me", "y": "other"})
	env.measure(t, other, 1, blacklist)
	require.Len(t, coverage.runs, 2)
	assert.Equal(t, []string{sha("other")}, coverage.runs[1])
}
