package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/leaderpass/conductor/internal/config"
	"github.com/leaderpass/conductor/internal/control"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testAppConfig has no workers configured: the supervisor skips them and the
// rest of the stack still comes up, which is exactly the degraded mode the
// daemon runs in when worker binaries are missing.
func testAppConfig(t *testing.T) *config.File {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Engine.EventHistory = 128
	cfg.Engine.KillDelayMS = 25
	return cfg
}

func TestAppStartShutdown(t *testing.T) {
	cfg := testAppConfig(t)
	a, err := newApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	if a.store == nil {
		t.Error("step cache should be on by default")
	}
	if a.watcher != nil {
		t.Error("no catalog file configured, watcher should be nil")
	}
	if len(a.plane.Recipes()) != 3 {
		t.Errorf("builtin catalog size = %d, want 3", len(a.plane.Recipes()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	a.Shutdown(5 * time.Second)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("shutdown took too long: %v", elapsed)
	}

	// ListenAndServe must have exited through the graceful path.
	select {
	case err := <-a.srvErr:
		if err != nil {
			t.Fatalf("server exited with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not exit after shutdown")
	}
}

func TestAppLoadsCatalogFile(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.CatalogPath = writeFile(t, "catalog.yaml", cleanCatalogYAML)

	a, err := newApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Shutdown(time.Second)

	if a.watcher == nil {
		t.Error("catalog file configured, watcher should be set")
	}
	ids := map[string]bool{}
	for _, r := range a.plane.Recipes() {
		ids[r.ID] = true
	}
	if !ids["ship_folder"] || !ids["mark"] {
		t.Fatalf("catalog recipes = %v, want ship_folder and mark", ids)
	}
}

func TestAppRejectsInvalidCatalog(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.CatalogPath = writeFile(t, "catalog.yaml", `- id: dup
  version: 1
  steps:
    - id: s
      worker: resolve
      command: connect
- id: dup
  version: 1
  steps:
    - id: s
      worker: resolve
      command: connect
`)
	if _, err := newApp(cfg, testLogger()); err == nil || !strings.Contains(err.Error(), "duplicate recipe id") {
		t.Fatalf("newApp error = %v, want duplicate recipe id", err)
	}
}

func TestAppToleratesCorruptStepCache(t *testing.T) {
	cfg := testAppConfig(t)
	if err := os.WriteFile(cfg.CacheStorePath(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt cache store: %v", err)
	}

	a, err := newApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("a corrupt cache store must not block boot: %v", err)
	}
	defer a.Shutdown(time.Second)

	if a.store != nil {
		t.Error("store should be nil when the cache file is unreadable")
	}
}

func TestAppDisabledCacheSkipsStore(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Cache.Disabled = true

	a, err := newApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Shutdown(time.Second)

	if a.store != nil {
		t.Error("store should be nil when the cache is disabled")
	}
}

func TestAppJobsSurviveRestart(t *testing.T) {
	cfg := testAppConfig(t)

	first, err := newApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := first.plane.LaunchRecipe("prepare_project", nil, control.LaunchOptions{IdempotencyKey: "restart-1"})
	if err != nil {
		t.Fatalf("LaunchRecipe: %v", err)
	}
	first.Shutdown(5 * time.Second)

	second, err := newApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp (second): %v", err)
	}
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start (second): %v", err)
	}
	defer second.Shutdown(5 * time.Second)

	job, ok := second.plane.Job(res.JobID)
	if !ok {
		t.Fatalf("job %s not hydrated after restart", res.JobID)
	}
	if job.PresetID != "prepare_project" {
		t.Errorf("hydrated preset = %q", job.PresetID)
	}

	// The idempotency key must survive hydration too: relaunching with the
	// same key returns the same job instead of a duplicate.
	again, err := second.plane.LaunchRecipe("prepare_project", nil, control.LaunchOptions{IdempotencyKey: "restart-1"})
	if err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	if again.JobID != res.JobID {
		t.Errorf("relaunch job id = %s, want %s", again.JobID, res.JobID)
	}
	if n := len(second.plane.Jobs()); n != 1 {
		t.Errorf("job count after relaunch = %d, want 1", n)
	}
}
