package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the project config file when it changes on disk, so
// risk weights and thresholds can be retuned without restarting a
// long-running workflow.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	onReload func(*Config)
}

// NewWatcher watches path and calls onReload with each successfully
// parsed and validated config.
func NewWatcher(path string, onReload func(*Config), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: 250 * time.Millisecond,
		logger:   logger,
		watcher:  fsw,
		onReload: onReload,
	}, nil
}

// Start begins watching. It returns once the watch is registered; the
// reload loop runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the directory, not the file: editors replace files on
	// save, which drops a direct file watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop(ctx)
	w.logger.Debug("config watcher started", slog.String("path", w.path))
	return nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.String("error", err.Error()))
		case <-fire:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	loaded, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("config reload failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}

	merged := DefaultConfig()
	merged.Merge(loaded)
	if err := merged.Validate(); err != nil {
		w.logger.Warn("reloaded config invalid, keeping previous",
			slog.String("error", err.Error()))
		return
	}

	w.logger.Info("config reloaded", slog.String("path", w.path))
	w.onReload(merged)
}
