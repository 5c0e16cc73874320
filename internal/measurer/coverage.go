package measurer

import (
	"b3bench/config"
	"b3bench/internal/utils"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrCoverageSummary marks a coverage summary that could not be parsed.
var ErrCoverageSummary = errors.New("malformed coverage summary")

// CoverageTool is the coverage-instrumented build of a benchmark plus the
// profile tooling around it.
type CoverageTool interface {
	// RunUnits executes every file in unitsDir once and returns the raw
	// profiles written into profileDir. Crashing inputs are copied into
	// crashesDir.
	RunUnits(ctx context.Context, benchmark, unitsDir, profileDir, crashesDir string) ([]string, error)
	// MergeProfiles merges raw or indexed profiles into output.
	MergeProfiles(ctx context.Context, inputs []string, output string) error
	// ExportSummary writes the JSON coverage summary of profdata to summaryPath.
	ExportSummary(ctx context.Context, benchmark, profdata, summaryPath string) error
}

// LLVMCoverageTool runs libFuzzer-style coverage binaries and the llvm
// profile tools.
type LLVMCoverageTool struct {
	binaries     map[string]string // benchmark -> coverage binary
	timeout      time.Duration     // whole coverage run
	unitTimeout  int               // seconds, per input
	rssLimitMB   int
	llvmProfdata string
	llvmCov      string
}

func NewLLVMCoverageTool(cfg *config.AppConfig) CoverageTool {
	m := cfg.Experiment.Measure
	return &LLVMCoverageTool{
		binaries:     m.CoverageBinaries,
		timeout:      m.CoverageTimeout,
		unitTimeout:  m.UnitTimeout,
		rssLimitMB:   m.RSSLimitMB,
		llvmProfdata: m.LLVMProfdata,
		llvmCov:      m.LLVMCov,
	}
}

func (l *LLVMCoverageTool) binary(benchmark string) (string, error) {
	bin, ok := l.binaries[benchmark]
	if !ok || bin == "" {
		return "", fmt.Errorf("no coverage binary configured for benchmark %s", benchmark)
	}
	return bin, nil
}

// ProfilePattern is the LLVM_PROFILE_FILE value for a coverage run. Merge
// mode forks a process per input batch; %m makes every process of the binary
// merge its counters into one file instead of overwriting it on exit.
func ProfilePattern(profileDir string) string {
	return filepath.Join(profileDir, "data-%m.profraw")
}

func (l *LLVMCoverageTool) RunUnits(ctx context.Context, benchmark, unitsDir, profileDir, crashesDir string) ([]string, error) {
	bin, err := l.binary(benchmark)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{crashesDir, profileDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	// merge mode into an empty directory runs every input exactly once
	mergeDir, err := os.MkdirTemp("", "merge-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(mergeDir)

	_, err = utils.Command{
		Bin: bin,
		Args: []string{
			"-merge=1",
			"-dump_coverage=1",
			"-timeout=" + strconv.Itoa(l.unitTimeout),
			"-rss_limit_mb=" + strconv.Itoa(l.rssLimitMB),
			"-artifact_prefix=" + crashesDir + "/",
			mergeDir,
			unitsDir,
		},
		Dir:     filepath.Dir(bin),
		Env:     []string{"LLVM_PROFILE_FILE=" + ProfilePattern(profileDir)},
		Timeout: l.timeout,
	}.Run(ctx)
	if err != nil {
		return nil, err
	}
	return filepath.Glob(filepath.Join(profileDir, "*.profraw"))
}

func (l *LLVMCoverageTool) MergeProfiles(ctx context.Context, inputs []string, output string) error {
	args := append([]string{"merge", "-sparse", "-o", output}, inputs...)
	_, err := utils.RunCommand(ctx, l.timeout, "", l.llvmProfdata, args...)
	return err
}

func (l *LLVMCoverageTool) ExportSummary(ctx context.Context, benchmark, profdata, summaryPath string) error {
	bin, err := l.binary(benchmark)
	if err != nil {
		return err
	}
	out, err := utils.RunCommand(ctx, l.timeout, "", l.llvmCov,
		"export", "-format=text", "-summary-only", "-instr-profile="+profdata, bin)
	if err != nil {
		return err
	}
	return os.WriteFile(summaryPath, out, 0644)
}

type coverageSummary struct {
	Data []struct {
		Totals struct {
			Regions struct {
				Covered *int64 `json:"covered"`
			} `json:"regions"`
		} `json:"totals"`
	} `json:"data"`
}

// ParseCoverageSummary returns the covered region count from the last
// non-empty line of an llvm-cov summary. Earlier lines may be warnings.
func ParseCoverageSummary(content []byte) (int64, error) {
	lines := bytes.Split(bytes.TrimSpace(content), []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrCoverageSummary)
	}

	var summary coverageSummary
	if err := json.Unmarshal(last, &summary); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCoverageSummary, err)
	}
	if len(summary.Data) == 0 || summary.Data[0].Totals.Regions.Covered == nil {
		return 0, fmt.Errorf("%w: no region totals", ErrCoverageSummary)
	}
	return *summary.Data[0].Totals.Regions.Covered, nil
}

// ReadCoverageSummary parses a summary file. A missing file counts as zero
// coverage.
func ReadCoverageSummary(path string) (int64, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ParseCoverageSummary(content)
}
