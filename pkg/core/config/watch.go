package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msto63/popper/pkg/core/logging"
)

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period after the last event before reloading
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the watcher logger
func WithWatchLogger(logger *logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// Watcher reloads a config file when it changes on disk
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
}

// NewWatcher starts watching the directory holding path. Editors replace files
// by rename, so the directory is watched rather than the file.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	w := &Watcher{
		path:     abs,
		debounce: 500 * time.Millisecond,
		logger:   logging.New("config"),
	}
	for _, opt := range opts {
		opt(w)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	w.watcher = fw
	return w, nil
}

// Run delivers a freshly loaded config to onChange after every settled change
// until ctx is cancelled. Load errors are passed through and the previous
// config stays in effect for the caller.
func (w *Watcher) Run(ctx context.Context, onChange func(*Config, error)) error {
	defer w.watcher.Close()

	w.logger.Info("Watching configuration", "path", w.path)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping configuration watcher")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("Failed to reload configuration", "path", w.path, "error", err)
			} else {
				w.logger.Info("Configuration reloaded", "path", w.path)
			}
			onChange(cfg, err)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Watcher error", "error", err)
		}
	}
}
