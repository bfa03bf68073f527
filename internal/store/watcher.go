package store

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// Watcher reloads the store when the mapping file is edited outside the
// process (hand edits, another instance). Saves made by this process are
// recognized by content and ignored.
type Watcher struct {
	store   *Store
	logger  logger.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher creates a watcher for the store's backing file.
func NewWatcher(s *Store, loggerClient logger.Logger) *Watcher {
	return &Watcher{
		store:  s,
		logger: loggerClient,
		stopCh: make(chan struct{}),
	}
}

// Start watches the containing directory (the file itself disappears on
// every atomic rename) and reloads on relevant events.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	dir := filepath.Dir(w.store.FilePath())
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Name != w.store.FilePath() {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				w.reload()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("mappings watcher error", logger.Error(err))
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (w *Watcher) reload() {
	changed, err := w.store.reloadIfChanged()
	if err != nil {
		w.logger.Warn("failed to reload edited mappings file",
			logger.Error(err))
		return
	}
	if changed {
		w.logger.Info("mappings file edited externally, reloaded",
			logger.Int("count", w.store.Count()))
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
}
