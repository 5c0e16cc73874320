package corpus

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sha(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// writeArchive builds a tar.gz holding name -> content members.
func writeArchive(t *testing.T, members map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "corpus/", Typeflag: tar.TypeDir, Mode: 0755}))
	for name, content := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "corpus-archive-0001.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestExtractDeduplicatesContent(t *testing.T) {
	store := NewStore(zap.NewNop())
	archive := writeArchive(t, map[string]string{
		"corpus/a":       "alpha",
		"corpus/b":       "beta",
		"corpus/a-again": "alpha",
	})
	dest := t.TempDir()

	written, err := store.Extract(archive, nil, dest)
	require.NoError(t, err)

	want := []string{sha("alpha"), sha("beta")}
	assert.Empty(t, cmp.Diff(want, written, cmpopts.SortSlices(func(a, b string) bool { return a < b })))
	assert.ElementsMatch(t, want, dirEntries(t, dest))

	data, err := os.ReadFile(filepath.Join(dest, sha("beta")))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))
}

func TestExtractIsIdempotent(t *testing.T) {
	store := NewStore(zap.NewNop())
	archive := writeArchive(t, map[string]string{"x": "1", "y": "2"})
	dest := t.TempDir()

	first, err := store.Extract(archive, nil, dest)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := store.Extract(archive, nil, dest)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, dirEntries(t, dest), 2)
}

func TestExtractHonoursSkipSet(t *testing.T) {
	store := NewStore(zap.NewNop())
	archive := writeArchive(t, map[string]string{"seen": "old", "crash": "boom", "new": "fresh"})
	dest := t.TempDir()

	skip := NewHashSet(sha("old")).Union(NewHashSet(sha("boom")))
	written, err := store.Extract(archive, skip, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{sha("fresh")}, written)
	assert.Equal(t, []string{sha("fresh")}, dirEntries(t, dest))
}

func TestExtractRejectsNonArchive(t *testing.T) {
	store := NewStore(zap.NewNop())
	path := filepath.Join(t.TempDir(), "bogus.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0644))

	_, err := store.Extract(path, nil, t.TempDir())
	assert.Error(t, err)

	_, err = store.Extract(filepath.Join(t.TempDir(), "absent"), nil, t.TempDir())
	assert.Error(t, err)
}

func TestExtractStopsAtTruncatedTail(t *testing.T) {
	store := NewStore(zap.NewNop())
	archive := writeArchive(t, map[string]string{"only": string(bytes.Repeat([]byte("z"), 64<<10))})
	raw, err := os.ReadFile(archive)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archive, raw[:len(raw)/2], 0644))

	dest := t.TempDir()
	_, err = store.Extract(archive, nil, dest)
	assert.NoError(t, err)
	for _, name := range dirEntries(t, dest) {
		assert.NotContains(t, name, ".unit-", "temporary files are cleaned up")
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trial-1", "measured-files.txt")

	empty, err := ReadLedger(path)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, WriteLedger(path, NewHashSet("b", "a")))
	got, err := ReadLedger(path)
	require.NoError(t, err)
	assert.Equal(t, NewHashSet("a", "b"), got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(raw))

	require.NoError(t, WriteLedger(path, got.Union(NewHashSet("c", "a"))))
	got, err = ReadLedger(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got.Sorted())
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("alpha"), 0644))
	h, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, sha("alpha"), h)
}
