package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const archiveTimeout = 10 * time.Minute

// CompressTarGz packs the contents of srcFolder (not the folder itself).
func CompressTarGz(ctx context.Context, srcFolder, tarGzFile string) error {
	if err := os.MkdirAll(filepath.Dir(tarGzFile), 0755); err != nil {
		return err
	}
	if _, err := RunCommand(ctx, archiveTimeout, "", "tar", "-czf", tarGzFile, "-C", srcFolder, "."); err != nil {
		return fmt.Errorf("failed to create tar.gz file: %w", err)
	}
	return nil
}
