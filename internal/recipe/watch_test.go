package recipe

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeCatalog(t, "catalog.yaml", catalogYAML)
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	w, err := NewWatcher(c, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	w.debounce = 25 * time.Millisecond

	reloaded := make(chan struct{}, 4)
	w.OnReload = func(*Catalog) { reloaded <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	replacement := `- id: solo
  version: 1
  steps:
    - id: s
      worker: resolve
      command: connect
`
	if err := os.WriteFile(path, []byte(replacement), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not reload within deadline")
	}
	if len(c.List()) != 1 || c.List()[0].ID != "solo" {
		t.Fatalf("catalog after reload = %+v", c.List())
	}
}

func TestWatcherKeepsCatalogOnInvalidWrite(t *testing.T) {
	path := writeCatalog(t, "catalog.yaml", catalogYAML)
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	w, err := NewWatcher(c, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	w.debounce = 25 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if err := os.WriteFile(path, []byte("not: [valid"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	// Give the debounced reload time to run, then confirm nothing was lost.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.List()) != 2 {
			t.Fatalf("catalog changed after invalid write: %+v", c.List())
		}
		time.Sleep(50 * time.Millisecond)
	}
}
