package builder

import (
	"b3bench/internal/utils"
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// BuildSystem produces the images a trial needs. A nil error means the
// artifact now exists under its deterministic name.
type BuildSystem interface {
	BuildBaseImages(ctx context.Context) error
	BuildCoverage(ctx context.Context, benchmark string) error
	BuildFuzzer(ctx context.Context, fuzzer, benchmark string) error
}

// MakeBuildSystem drives the experiment Makefile:
//
//	make base-image
//	make build-coverage-<benchmark>
//	make build-<fuzzer>-<benchmark>
type MakeBuildSystem struct {
	logger  *zap.Logger
	srcDir  string
	timeout time.Duration
	makeBin string
}

func NewMakeBuildSystem(logger *zap.Logger, srcDir string, timeout time.Duration) *MakeBuildSystem {
	return &MakeBuildSystem{
		logger:  logger.Named("make"),
		srcDir:  srcDir,
		timeout: timeout,
		makeBin: "make",
	}
}

func (m *MakeBuildSystem) BuildBaseImages(ctx context.Context) error {
	return m.make(ctx, "base-image")
}

func (m *MakeBuildSystem) BuildCoverage(ctx context.Context, benchmark string) error {
	return m.make(ctx, fmt.Sprintf("build-coverage-%s", benchmark))
}

func (m *MakeBuildSystem) BuildFuzzer(ctx context.Context, fuzzer, benchmark string) error {
	return m.make(ctx, fmt.Sprintf("build-%s-%s", fuzzer, benchmark))
}

func (m *MakeBuildSystem) make(ctx context.Context, target string) error {
	m.logger.Debug("running make target", zap.String("target", target))
	start := time.Now()
	out, err := utils.Command{
		Bin:     m.makeBin,
		Args:    []string{"-j", target},
		Dir:     m.srcDir,
		BaseEnv: utils.WithoutOtelEnv(os.Environ()),
		Timeout: m.timeout,
	}.Run(ctx)
	if err != nil {
		m.logger.Error("make target failed",
			zap.String("target", target),
			zap.Bool("timed_out", utils.IsTimeout(err)),
			zap.ByteString("output", tail(out, 4096)),
			zap.Error(err))
		return fmt.Errorf("make %s: %w", target, err)
	}
	m.logger.Info("make target built",
		zap.String("target", target),
		zap.Duration("took", time.Since(start)))
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
