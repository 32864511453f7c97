package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/leaderpass/conductor/internal/config"
	"github.com/leaderpass/conductor/internal/control"
	"github.com/leaderpass/conductor/internal/engine"
	"github.com/leaderpass/conductor/internal/metrics"
	"github.com/leaderpass/conductor/internal/recipe"
	"github.com/leaderpass/conductor/internal/server"
	"github.com/leaderpass/conductor/internal/stepcache"
	"github.com/leaderpass/conductor/internal/worker"
)

// app wires the orchestrator together: worker supervisor, job engine,
// control plane, metrics, and the HTTP server.
type app struct {
	cfg    *config.File
	logger *slog.Logger

	catalog *recipe.Catalog
	watcher *recipe.Watcher
	store   *stepcache.Store
	bus     *engine.Bus
	sup     *worker.Supervisor
	eng     *engine.Engine
	plane   *control.Plane
	mets    *metrics.Metrics
	srv     *server.Server

	srvErr chan error
}

func newApp(cfg *config.File, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, srvErr: make(chan error, 1)}

	// Recipes: a configured catalog file replaces the builtin set and gets
	// hot reload; without one the builtins are all there is.
	if cfg.CatalogPath != "" {
		catalog, err := recipe.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		a.catalog = catalog
		watcher, err := recipe.NewWatcher(catalog, logger)
		if err != nil {
			logger.Warn("catalog watcher unavailable, hot reload disabled", "error", err)
		} else {
			a.watcher = watcher
		}
	} else {
		a.catalog = recipe.Builtin()
	}
	for _, d := range a.catalog.LintCatalog() {
		logger.Warn("catalog lint finding",
			"severity", d.Severity, "rule", d.Rule,
			"recipe", d.RecipeID, "step", d.StepID, "message", d.Message)
	}

	// Step cache: a corrupt store file must not block boot, jobs just run
	// uncached until it is repaired or removed.
	if !cfg.Cache.Disabled {
		store, err := stepcache.NewStore(cfg.CacheStorePath())
		if err != nil {
			logger.Warn("step cache unavailable, running without it", "error", err)
		} else {
			a.store = store
		}
	}

	a.bus = engine.NewBus(cfg.Engine.EventHistory)
	a.sup = worker.New(cfg, worker.ExecSpawner{}, logger)

	eng, err := engine.New(cfg, a.sup, a.store, a.bus, logger)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.eng = eng
	a.sup.SetEventHandler(eng.HandleWorkerEvent)

	prefs, err := control.LoadPreferences(cfg.PreferencesPath())
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	a.plane = control.New(a.catalog, eng, prefs, a.sup, logger)

	opts := metrics.Options{Engine: eng, Workers: a.sup}
	if a.store != nil {
		opts.Cache = a.store
	}
	a.mets = metrics.New(opts)

	a.srv = server.New(server.Config{Addr: cfg.ListenAddr}, a.plane, a.mets.Handler(), logger)
	return a, nil
}

// Start brings everything up: workers first so resumed jobs have somewhere
// to dispatch, then the job log replay, then the HTTP listener. The metrics
// feed subscribes before hydration so resume events are counted.
func (a *app) Start(ctx context.Context) error {
	if err := a.sup.StartAll(); err != nil {
		a.logger.Warn("not all workers started", "error", err)
	}
	a.mets.Observe(a.bus)
	if err := a.eng.Hydrate(); err != nil {
		return fmt.Errorf("hydrate job log: %w", err)
	}
	if a.watcher != nil {
		a.watcher.Start(ctx)
	}
	go func() { a.srvErr <- a.srv.ListenAndServe() }()
	return nil
}

// Shutdown stops components in reverse dependency order: the HTTP surface
// stops accepting work, the engine parks in-flight steps for the next
// hydration, then workers and the event plumbing go down.
func (a *app) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown", "error", err)
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if err := a.eng.Close(); err != nil {
		a.logger.Error("engine close", "error", err)
	}
	a.sup.StopAll()
	a.mets.Close()
	a.bus.Close()
}

func runServe(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if configPath == "" {
		logger.Info("no config file given, using defaults", "data_dir", cfg.DataDir)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(signalCtx); err != nil {
		a.Shutdown(5 * time.Second)
		return err
	}
	logger.Info("conductor ready",
		"version", Version,
		"addr", cfg.ListenAddr,
		"recipes", len(a.catalog.List()),
		"cache", a.store != nil)

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-a.srvErr:
		if err != nil {
			a.Shutdown(5 * time.Second)
			return fmt.Errorf("http server: %w", err)
		}
	}

	a.Shutdown(15 * time.Second)
	logger.Info("conductor stopped")
	return nil
}
