package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Local keeps the experiment tree in a directory, typically a shared mount.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create filestore root: %w", err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Root() string {
	return l.root
}

// LocalPath maps a key to its location on disk.
func (l *Local) LocalPath(remotePath string) string {
	return filepath.Join(l.root, filepath.FromSlash(path.Clean("/"+remotePath)))
}

func (l *Local) Download(ctx context.Context, remotePath, localPath string) error {
	return copyAtomic(l.LocalPath(remotePath), localPath)
}

func (l *Local) Upload(ctx context.Context, localPath, remotePath string) error {
	return copyAtomic(localPath, l.LocalPath(remotePath))
}

func (l *Local) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(l.LocalPath(remotePath))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	dir := l.LocalPath(prefix)
	var keys []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(l.root, p)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Local) Remove(ctx context.Context, remotePath string) error {
	err := os.RemoveAll(l.LocalPath(remotePath))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) Sync(ctx context.Context, localDir, remoteDir string) error {
	return syncDir(ctx, localDir, func(rel string, full string) error {
		return l.Upload(ctx, full, path.Join(remoteDir, rel))
	})
}

func (l *Local) Read(ctx context.Context, remotePath string) ([]byte, error) {
	data, err := os.ReadFile(l.LocalPath(remotePath))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", remotePath, ErrNotExist)
	}
	return data, err
}

func (l *Local) Write(ctx context.Context, remotePath string, data []byte) error {
	dst := l.LocalPath(remotePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// copyAtomic writes dst through a temporary sibling so readers never see a
// partially written file.
func copyAtomic(src, dst string) (err error) {
	source, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", src, ErrNotExist)
	}
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer source.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, source); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func syncDir(ctx context.Context, localDir string, upload func(rel, full string) error) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		return upload(filepath.ToSlash(rel), p)
	})
}
