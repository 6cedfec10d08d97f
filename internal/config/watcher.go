package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// UpdateHandler is invoked after a successfully reloaded config differs
// from the last good one. old is the config as it stood before the reload.
type UpdateHandler func(new, old *Config)

// RestartRequiredHandler is invoked instead of UpdateHandler when the diff
// touches a section marked restart-required (currently: gateway listen
// address/port and database mode/DSN; changing either mid-process would
// leave listeners or connections in an inconsistent state).
type RestartRequiredHandler func(new, old *Config)

// ErrorHandler is invoked on a read, parse, or validation failure. The last
// good config is retained; the watcher keeps running.
type ErrorHandler func(err error)

// Watcher debounces filesystem change events on a single manifest path and
// reloads Config through the same Load pipeline used at startup. A single
// pending timer is reset on every event, so only the last event within the
// debounce window triggers a reload.
type Watcher struct {
	path       string
	debounce   time.Duration
	fsWatcher  *fsnotify.Watcher
	logger     *slog.Logger

	mu       sync.Mutex
	last     *Config
	timer    *time.Timer

	onUpdate  UpdateHandler
	onRestart RestartRequiredHandler
	onError   ErrorHandler

	done chan struct{}
}

// NewWatcher starts watching path's directory (fsnotify watches directories,
// not files directly, so editors that replace-via-rename are still caught)
// and seeds the watcher with initial as the last-known-good config.
func NewWatcher(path string, initial *Config, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dirOf(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:      path,
		debounce:  debounce,
		fsWatcher: fw,
		logger:    logger,
		last:      initial,
		done:      make(chan struct{}),
	}
	return w, nil
}

// OnUpdate registers the callback fired on a reload that changes config.
func (w *Watcher) OnUpdate(fn UpdateHandler) { w.onUpdate = fn }

// OnRestartRequired registers the callback fired when a restart-required
// section changed.
func (w *Watcher) OnRestartRequired(fn RestartRequiredHandler) { w.onRestart = fn }

// OnError registers the callback fired on read/parse/validate failure.
func (w *Watcher) OnError(fn ErrorHandler) { w.onError = fn }

// Start runs the event loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				w.cancelPending()
				return
			case ev, ok := <-w.fsWatcher.Events:
				if !ok {
					return
				}
				if !w.relevant(ev) {
					continue
				}
				w.scheduleReload(ctx)
			case err, ok := <-w.fsWatcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher: fsnotify error", "error", err)
			}
		}
	}()
}

// Stop clears any pending debounce timer and closes the underlying
// fsnotify watcher, then blocks until the event loop has exited.
func (w *Watcher) Stop() {
	w.cancelPending()
	w.fsWatcher.Close()
	<-w.done
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Name != w.path {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// scheduleReload resets the single pending timer so only the last event
// within the debounce window actually triggers reload().
func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

// reload re-runs the Load pipeline: read, parse, validate, diff against the
// last good config, and dispatch update/restart-required/error.
func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.report(err)
		return
	}
	if err := validate(next); err != nil {
		w.report(err)
		return
	}

	w.mu.Lock()
	old := w.last
	w.mu.Unlock()

	if restartRequiredDiff(old, next) {
		w.mu.Lock()
		w.last = next
		w.mu.Unlock()
		if w.onRestart != nil {
			w.onRestart(next, old)
		}
		return
	}

	if configEqual(old, next) {
		return
	}

	w.mu.Lock()
	w.last = next
	w.mu.Unlock()
	if w.onUpdate != nil {
		w.onUpdate(next, old)
	}
}

func (w *Watcher) report(err error) {
	if w.onError != nil {
		w.onError(err)
		return
	}
	w.logger.Error("config watcher: reload failed, retaining last good config", "error", err)
}

// validate rejects configs that would make the gateway unable to start.
// Deeper per-section validation lives with the section owners; this is the
// cheap top-level gate the watcher runs before ever touching w.last.
func validate(c *Config) error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return &ValidationError{Field: "gateway.port", Reason: "must be in 1-65535"}
	}
	return nil
}

// ValidationError reports an out-of-range or malformed config value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Reason
}

// restartRequiredDiff reports whether old->new changes a section that can't
// be hot-applied: the gateway's listen address/port, or the database
// mode/DSN (either would strand open listeners or pooled connections).
func restartRequiredDiff(old, next *Config) bool {
	if old == nil {
		return false
	}
	return old.Gateway.Host != next.Gateway.Host ||
		old.Gateway.Port != next.Gateway.Port ||
		old.Database.Mode != next.Database.Mode ||
		old.Database.PostgresDSN != next.Database.PostgresDSN
}

// configEqual compares the hot-reloadable sections by hash, the same
// byte-equality check Hash() backs for optimistic concurrency elsewhere.
func configEqual(old, next *Config) bool {
	if old == nil {
		return false
	}
	return old.Hash() == next.Hash()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
