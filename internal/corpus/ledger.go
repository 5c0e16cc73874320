package corpus

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ReadLedger loads the measured-files ledger. A missing ledger is an empty set.
func ReadLedger(path string) (HashSet, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewHashSet(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := NewHashSet()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			set.Add(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// WriteLedger replaces the ledger with the given set, one hash per line.
func WriteLedger(path string, set HashSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, h := range set.Sorted() {
		w.WriteString(h)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
