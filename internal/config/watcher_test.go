package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestWatcherDispatchesUpdateOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	initial := Default()
	initial.Gateway.Host = "127.0.0.1"
	initial.Gateway.Port = 18790
	writeConfigFile(t, path, initial)

	w, err := NewWatcher(path, initial, 30*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	updated := make(chan *Config, 1)
	w.OnUpdate(func(next, old *Config) { updated <- next })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	changed := Default()
	changed.Gateway.Host = "127.0.0.1"
	changed.Gateway.Port = 18790
	changed.Gateway.Token = "new-token"
	writeConfigFile(t, path, changed)

	select {
	case next := <-updated:
		if next.Gateway.Token != "new-token" {
			t.Errorf("next.Gateway.Token = %q, want %q", next.Gateway.Token, "new-token")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnUpdate")
	}
}

func TestWatcherDispatchesRestartRequiredOnPortChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	initial := Default()
	initial.Gateway.Port = 18790
	writeConfigFile(t, path, initial)

	w, err := NewWatcher(path, initial, 30*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	restarted := make(chan *Config, 1)
	updated := make(chan *Config, 1)
	w.OnRestartRequired(func(next, old *Config) { restarted <- next })
	w.OnUpdate(func(next, old *Config) { updated <- next })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	changed := Default()
	changed.Gateway.Port = 19999
	writeConfigFile(t, path, changed)

	select {
	case next := <-restarted:
		if next.Gateway.Port != 19999 {
			t.Errorf("next.Gateway.Port = %d, want 19999", next.Gateway.Port)
		}
	case <-updated:
		t.Fatal("expected OnRestartRequired, got OnUpdate for a port change")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnRestartRequired")
	}
}

func TestWatcherRetainsLastGoodOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	initial := Default()
	initial.Gateway.Token = "good"
	writeConfigFile(t, path, initial)

	w, err := NewWatcher(path, initial, 30*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	errs := make(chan error, 1)
	updated := make(chan *Config, 1)
	w.OnError(func(err error) { errs <- err })
	w.OnUpdate(func(next, old *Config) { updated <- next })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(path, []byte("{not valid json5"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-errs:
		// expected
	case <-updated:
		t.Fatal("expected OnError for malformed config, got OnUpdate")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError")
	}

	w.mu.Lock()
	last := w.last
	w.mu.Unlock()
	if last.Gateway.Token != "good" {
		t.Errorf("last.Gateway.Token = %q, want %q (last-good retained)", last.Gateway.Token, "good")
	}
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Port = 70000
	if err := validate(cfg); err == nil {
		t.Error("expected validate to reject an out-of-range port")
	}
}

func TestRestartRequiredDiff(t *testing.T) {
	old := Default()
	next := Default()
	if restartRequiredDiff(old, next) {
		t.Error("identical configs should not require a restart")
	}
	next.Database.Mode = "managed"
	if !restartRequiredDiff(old, next) {
		t.Error("a database mode change should require a restart")
	}
}
