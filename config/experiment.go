package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FilestoreLocal = "local"
	FilestoreGCS   = "gcs"
)

// ExperimentConfig describes one benchmarking experiment.
type ExperimentConfig struct {
	Experiment         string          `yaml:"experiment"`
	Fuzzers            []string        `yaml:"fuzzers"`
	Benchmarks         []string        `yaml:"benchmarks"`
	Trials             int             `yaml:"trials"`
	MaxTotalTime       int             `yaml:"max_total_time"`  // seconds
	SnapshotPeriod     int             `yaml:"snapshot_period"` // seconds
	PreemptibleRunners bool            `yaml:"preemptible_runners"`
	Filestore          FilestoreConfig `yaml:"filestore"`
	Build              BuildConfig     `yaml:"build"`
	Measure            MeasureConfig   `yaml:"measure"`
}

type FilestoreConfig struct {
	Backend string `yaml:"backend"` // "local" or "gcs"
	Root    string `yaml:"root"`    // local directory, or object prefix inside the bucket
	Bucket  string `yaml:"bucket"`
}

type BuildConfig struct {
	SrcDir      string        `yaml:"src_dir"`
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxBackoff  int           `yaml:"max_backoff"` // seconds
	Timeout     time.Duration `yaml:"timeout"`
}

type MeasureConfig struct {
	Workers          int               `yaml:"workers"`
	BatchSize        int               `yaml:"batch_size"`
	PollTimeout      time.Duration     `yaml:"poll_timeout"`
	Interval         time.Duration     `yaml:"interval"`
	WorkDir          string            `yaml:"work_dir"`
	CoverageTimeout  time.Duration     `yaml:"coverage_timeout"`
	UnitTimeout      int               `yaml:"unit_timeout"` // seconds, per input
	RSSLimitMB       int               `yaml:"rss_limit_mb"`
	CoverageBinaries map[string]string `yaml:"coverage_binaries"` // benchmark -> coverage binary
	LLVMProfdata     string            `yaml:"llvm_profdata"`
	LLVMCov          string            `yaml:"llvm_cov"`
}

// LoadExperimentConfig reads, defaults and validates an experiment YAML file.
func LoadExperimentConfig(path string) (*ExperimentConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment config: %w", err)
	}
	return ParseExperimentConfig(content)
}

func ParseExperimentConfig(content []byte) (*ExperimentConfig, error) {
	var cfg ExperimentConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse experiment config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ExperimentConfig) applyDefaults() {
	if c.SnapshotPeriod == 0 {
		c.SnapshotPeriod = 900
	}
	if c.Trials == 0 {
		c.Trials = 1
	}
	if c.Filestore.Backend == "" {
		c.Filestore.Backend = FilestoreLocal
	}

	if c.Build.Concurrency <= 0 {
		c.Build.Concurrency = 4
	}
	if c.Build.MaxAttempts <= 0 {
		c.Build.MaxAttempts = 3
	}
	if c.Build.MaxBackoff <= 0 {
		c.Build.MaxBackoff = 60
	}
	if c.Build.Timeout <= 0 {
		c.Build.Timeout = 4 * time.Hour
	}

	m := &c.Measure
	if m.Workers <= 0 {
		m.Workers = 8
	}
	if m.BatchSize <= 0 {
		m.BatchSize = 100
	}
	if m.PollTimeout <= 0 {
		m.PollTimeout = 3 * time.Second
	}
	if m.Interval <= 0 {
		m.Interval = 5 * time.Minute
	}
	if m.WorkDir == "" {
		m.WorkDir = "/tmp/b3bench"
	}
	if m.CoverageTimeout <= 0 {
		m.CoverageTimeout = 15 * time.Minute
	}
	if m.UnitTimeout <= 0 {
		m.UnitTimeout = 10
	}
	if m.RSSLimitMB <= 0 {
		m.RSSLimitMB = 2560
	}
	if m.LLVMProfdata == "" {
		m.LLVMProfdata = "llvm-profdata"
	}
	if m.LLVMCov == "" {
		m.LLVMCov = "llvm-cov"
	}
}

func (c *ExperimentConfig) Validate() error {
	var errs []error
	if c.Experiment == "" {
		errs = append(errs, errors.New("experiment name is required"))
	}
	if len(c.Fuzzers) == 0 {
		errs = append(errs, errors.New("at least one fuzzer is required"))
	}
	if len(c.Benchmarks) == 0 {
		errs = append(errs, errors.New("at least one benchmark is required"))
	}
	if c.Trials < 1 {
		errs = append(errs, fmt.Errorf("trials must be positive, got %d", c.Trials))
	}
	if c.SnapshotPeriod <= 0 {
		errs = append(errs, fmt.Errorf("snapshot_period must be positive, got %d", c.SnapshotPeriod))
	}
	if c.MaxTotalTime < c.SnapshotPeriod {
		errs = append(errs, fmt.Errorf("max_total_time (%d) must be at least one snapshot_period (%d)",
			c.MaxTotalTime, c.SnapshotPeriod))
	}
	positive := []struct {
		name  string
		value int64
	}{
		{"build.concurrency", int64(c.Build.Concurrency)},
		{"build.max_attempts", int64(c.Build.MaxAttempts)},
		{"measure.workers", int64(c.Measure.Workers)},
		{"measure.batch_size", int64(c.Measure.BatchSize)},
		{"measure.poll_timeout", int64(c.Measure.PollTimeout)},
		{"measure.interval", int64(c.Measure.Interval)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	switch c.Filestore.Backend {
	case FilestoreLocal:
		if c.Filestore.Root == "" {
			errs = append(errs, errors.New("filestore.root is required for the local backend"))
		}
	case FilestoreGCS:
		if c.Filestore.Bucket == "" {
			errs = append(errs, errors.New("filestore.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown filestore backend %q", c.Filestore.Backend))
	}
	return errors.Join(errs...)
}

// MaxCycle is the last cycle a trial can be measured at.
func (c *ExperimentConfig) MaxCycle() int {
	return c.MaxTotalTime / c.SnapshotPeriod
}

func (c *ExperimentConfig) SnapshotPeriodDuration() time.Duration {
	return time.Duration(c.SnapshotPeriod) * time.Second
}
