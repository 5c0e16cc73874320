package corpus

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Store materializes corpus archives as content-addressed files: every unit
// is written to destDir/<sha1 of its content>.
type Store struct {
	logger *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{logger: logger.Named("corpus")}
}

// HashFile returns the hex sha1 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Extract streams a tar.gz corpus archive into destDir. Units whose hash is in
// skip, or already present in destDir, are not written. It returns the hashes
// written by this call.
//
// A member that cannot be read is logged and skipped. A corrupt archive tail
// ends the extraction early without an error: archives are cumulative, so the
// next cycle sees those units again.
func (s *Store) Extract(archivePath string, skip HashSet, destDir string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus archive %s: %w", archivePath, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create corpus dir: %w", err)
	}

	var written []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn("corpus archive truncated",
				zap.String("archive", archivePath),
				zap.Int("extracted", len(written)),
				zap.Error(err))
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		hash, err := s.extractMember(tr, skip, destDir)
		if err != nil {
			s.logger.Warn("skipping unreadable corpus member",
				zap.String("archive", archivePath),
				zap.String("member", hdr.Name),
				zap.Error(err))
			continue
		}
		if hash != "" {
			written = append(written, hash)
		}
	}
	return written, nil
}

// extractMember returns "" when the unit is already known.
func (s *Store) extractMember(r io.Reader, skip HashSet, destDir string) (string, error) {
	tmp, err := os.CreateTemp(destDir, ".unit-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	hash := hex.EncodeToString(h.Sum(nil))
	if skip.Contains(hash) {
		return "", nil
	}
	dst := filepath.Join(destDir, hash)
	if _, err := os.Stat(dst); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", err
	}
	return hash, nil
}
