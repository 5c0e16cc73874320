package watchdog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type WatchDogFactory struct {
	logger *zap.Logger
}

// Filter selects the created files worth a notification.
type Filter func(string) bool

type WatchDog struct {
	watchCtx   context.Context
	notifyChan chan<- string
	filter     Filter
	logger     *zap.Logger

	// states
	watcher *fsnotify.Watcher
}

func NewWatchDogFactory(logger *zap.Logger) *WatchDogFactory {
	return &WatchDogFactory{
		logger: logger.Named("watchdog"),
	}
}

// New creates a WatchDog reporting file creations on notifyChan until
// watchCtx is done, then closes notifyChan.
//
// Notifications are wake-ups: when notifyChan is full the event is dropped
// instead of blocking the watcher. A nil filter lets every file through.
// Directories created below a watched tree are watched as well.
func (w *WatchDogFactory) New(watchCtx context.Context, notifyChan chan<- string, filter Filter) (*WatchDog, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	watchDog := &WatchDog{
		watchCtx:   watchCtx,
		notifyChan: notifyChan,
		filter:     filter,
		logger:     w.logger,
		watcher:    watcher,
	}

	go watchDog.watch()

	return watchDog, nil
}

// AddTree watches dir and every directory below it, creating dir if needed.
func (w *WatchDog) AddTree(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return err
	}
	return filepath.WalkDir(absDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// removed while walking
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.logger.Debug("Added directory to watch list", zap.String("dir", path))
		return nil
	})
}

func (w *WatchDog) watch() {
	defer w.watcher.Close()
	defer close(w.notifyChan)
	for {
		select {
		case <-w.watchCtx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Debug("fsnotify channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Debug("fsnotify error channel closed")
				return
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (w *WatchDog) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		// files may land in the new tree before it is watched
		if err := w.AddTree(event.Name); err != nil {
			w.logger.Warn("Failed to watch new directory", zap.String("dir", event.Name), zap.Error(err))
		}
		w.notifyExisting(event.Name)
		return
	}
	w.notify(event.Name)
}

func (w *WatchDog) notifyExisting(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			w.notify(path)
		}
		return nil
	})
}

func (w *WatchDog) notify(name string) {
	if w.filter != nil && !w.filter(name) {
		return
	}
	select {
	case w.notifyChan <- name:
		w.logger.Debug("File added to notify channel", zap.String("file", name))
	default:
		w.logger.Debug("Notify channel full, dropping event", zap.String("file", name))
	}
}
