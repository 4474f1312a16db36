package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of events editors produce when
// saving a file.
const DefaultReloadDebounce = 200 * time.Millisecond

// Watcher reloads a configuration file whenever it changes on disk and hands
// every successfully validated Config to a callback. A file that fails to
// load is logged and ignored; the previous configuration stays in effect.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onChange func(*Config)

	mu    sync.Mutex
	timer *time.Timer

	// reloadMu is held from LoadConfig through onChange so callbacks never
	// overlap.
	reloadMu sync.Mutex
}

// NewWatcher returns a Watcher for the file at path. A zero debounce uses
// DefaultReloadDebounce.
func NewWatcher(path string, logger *slog.Logger, debounce time.Duration, onChange func(*Config)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger,
		debounce: debounce,
		onChange: onChange,
	}
}

// Run watches the file until ctx is cancelled. The parent directory is
// watched rather than the file itself so that atomic replace-by-rename saves
// are observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config: watch %q: %w", dir, err)
	}
	w.logger.Info("config: watching for changes", slog.String("path", w.path))

	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config: watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()

	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warn("config: reload rejected, keeping previous configuration",
			slog.String("path", w.path),
			slog.Any("error", err),
		)
		return
	}
	w.logger.Info("config: reloaded", slog.String("path", w.path), slog.Int("resources", len(cfg.Resources)))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
