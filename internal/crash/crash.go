package crash

import (
	"b3bench/internal/corpus"
	"b3bench/internal/utils"
	"b3bench/pkg/filestore"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ArchiveCrashes packs every file in crashesDir and uploads the archive.
// The directory is emptied afterwards. It returns false when there was
// nothing to archive.
func ArchiveCrashes(ctx context.Context, store filestore.Filestore, crashesDir, remotePath string) (bool, error) {
	entries, err := os.ReadDir(crashesDir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	archive := filepath.Join(os.TempDir(), "crashes-"+uuid.NewString()+".tar.gz")
	defer os.Remove(archive)
	if err := utils.CompressTarGz(ctx, crashesDir, archive); err != nil {
		return false, err
	}
	if err := store.Upload(ctx, archive, remotePath); err != nil {
		return false, fmt.Errorf("failed to upload crashes archive: %w", err)
	}

	for _, e := range entries {
		os.RemoveAll(filepath.Join(crashesDir, e.Name()))
	}
	return true, nil
}

// CrashingUnits maps crash artifacts back to corpus hashes. The coverage
// binary names them <prefix><sha1 of the input>, so the hash of the file
// content is the unit's corpus hash.
func CrashingUnits(crashesDir string) ([]string, error) {
	entries, err := os.ReadDir(crashesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hashes []string
	seen := map[string]bool{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		h, err := corpus.HashFile(filepath.Join(crashesDir, e.Name()))
		if err != nil {
			return nil, err
		}
		if !seen[h] {
			seen[h] = true
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}
