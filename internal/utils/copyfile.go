package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyFile copies src to dst, replacing dst. The mode of src is kept.
func CopyFile(src, dst string) (err error) {
	source, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove existing destination file: %w", err)
	}
	destination, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer func() {
		if cerr := destination.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close destination file: %w", cerr)
		}
	}()

	copied, err := io.Copy(destination, source)
	if err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if copied != info.Size() {
		return fmt.Errorf("incomplete copy: expected %d bytes, got %d bytes", info.Size(), copied)
	}
	return nil
}

// LinkFiles places srcDir/<name> at dstDir/<name> for every name, creating
// dstDir. Hard links are used when possible, copies otherwise.
func LinkFiles(srcDir string, names []string, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}
	for _, name := range names {
		src := filepath.Join(srcDir, name)
		dst := filepath.Join(dstDir, name)
		if err := os.Link(src, dst); err == nil || errors.Is(err, os.ErrExist) {
			continue
		}
		if err := CopyFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}
