package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of write events editors produce when
// saving a file.
const reloadDebounce = 100 * time.Millisecond

// Watcher is a Provider that reloads the configuration file when it changes
// on disk. Readers always get the last snapshot that loaded and validated; a
// broken edit leaves the previous snapshot serving until the file is fixed.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
	mu      sync.RWMutex
	current *Config
}

// NewWatcher loads the initial configuration and sets up the file watch. The
// initial load must succeed; there is no earlier snapshot to fall back on.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	return &Watcher{
		path:    path,
		fsw:     fsw,
		logger:  logger,
		current: cfg,
	}, nil
}

// Config returns the current configuration snapshot (thread-safe)
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start watches the configuration file until the context is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.fsw.Close()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounce.C:
			w.reload()
		}
	}
}

// reload swaps in a freshly loaded snapshot. In-flight requests keep the
// snapshot they already hold either way.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Failed to reload config, keeping previous snapshot", "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("Config reloaded", "path", w.path)
}

// Close stops the file watch
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
