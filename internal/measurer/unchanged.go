package measurer

import (
	"b3bench/pkg/filestore"
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
)

// UnchangedCycles caches the runner's list of cycles in which the corpus did
// not change. The remote list is fetched lazily and fetched again only when
// a cycle beyond the highest cached entry is asked for.
type UnchangedCycles struct {
	store      filestore.Filestore
	remotePath string
	localPath  string

	loaded  bool
	cycles  map[int]struct{}
	highest int
}

func NewUnchangedCycles(store filestore.Filestore, remotePath, localPath string) *UnchangedCycles {
	return &UnchangedCycles{
		store:      store,
		remotePath: remotePath,
		localPath:  localPath,
		cycles:     make(map[int]struct{}),
	}
}

func (u *UnchangedCycles) IsUnchanged(ctx context.Context, cycle int) (bool, error) {
	if !u.loaded {
		u.loaded = true
		if content, err := os.ReadFile(u.localPath); err == nil {
			u.parse(content)
		}
	}
	if cycle > u.highest {
		if err := u.fetch(ctx); err != nil {
			return false, err
		}
	}
	_, ok := u.cycles[cycle]
	return ok, nil
}

func (u *UnchangedCycles) fetch(ctx context.Context) error {
	err := u.store.Download(ctx, u.remotePath, u.localPath)
	if errors.Is(err, filestore.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	content, err := os.ReadFile(u.localPath)
	if err != nil {
		return err
	}
	u.parse(content)
	return nil
}

func (u *UnchangedCycles) parse(content []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		cycle, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil {
			continue
		}
		u.cycles[cycle] = struct{}{}
		u.highest = max(u.highest, cycle)
	}
}
