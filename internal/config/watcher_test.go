package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherDebouncesChanges(t *testing.T) {
	dir := t.TempDir()

	var reloads atomic.Int32
	w := NewWatcher(dir, func() { reloads.Add(1) })
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Watch(ctx)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "endpoints.json")
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reloads.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The burst of writes collapses into a single reload.
	time.Sleep(150 * time.Millisecond)
	if n := reloads.Load(); n != 1 {
		t.Errorf("reloads = %d", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatcherIgnoresNonJSON(t *testing.T) {
	dir := t.TempDir()

	var reloads atomic.Int32
	w := NewWatcher(dir, func() { reloads.Add(1) })
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if n := reloads.Load(); n != 0 {
		t.Errorf("reloads = %d", n)
	}
}
