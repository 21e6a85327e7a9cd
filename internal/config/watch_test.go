package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnDebouncedWrite(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	workspace := t.TempDir()
	configDir := filepath.Join(workspace, repoConfigDirName)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(configDir, userConfigFileName)
	if err := os.WriteFile(path, []byte(`{"log_level":"info"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan Config, 4)
	w, err := NewWatcher(workspace, nil, nil, func(cfg Config, err error) {
		if err == nil {
			reloads <- cfg
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.debounceDur = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(`{"log_level":"debug"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloads:
		if cfg.LogLevel != "debug" {
			t.Fatalf("expected the reloaded config to reflect the new write, got %q", cfg.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a debounced reload")
	}
}

func TestWatcherCollapsesRapidWritesIntoOneReload(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	workspace := t.TempDir()
	configDir := filepath.Join(workspace, repoConfigDirName)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(configDir, userConfigFileName)
	if err := os.WriteFile(path, []byte(`{"log_level":"info"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	reloads := make(chan Config, 8)
	w, err := NewWatcher(workspace, nil, nil, func(cfg Config, err error) {
		if err == nil {
			reloads <- cfg
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.debounceDur = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"log_level":"warn"}`), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the collapsed reload")
	}

	select {
	case extra := <-reloads:
		t.Fatalf("expected rapid writes to collapse into a single reload, got an extra one: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}
