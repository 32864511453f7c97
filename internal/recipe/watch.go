package recipe

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher hot-reloads the catalog when its backing file changes. A reload
// that fails to parse or validate is logged and the previous catalog stays
// in place.
type Watcher struct {
	catalog  *Catalog
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	// lastSum skips reloads when the file content did not actually change.
	// Editors often touch the file twice per save.
	lastSum string

	// OnReload, when set, runs after every successful reload.
	OnReload func(*Catalog)
}

// NewWatcher creates a watcher for the catalog's backing file. The parent
// directory is watched rather than the file itself so atomic save patterns
// (write temp, rename over) keep being observed.
func NewWatcher(catalog *Catalog, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		catalog:  catalog,
		fsw:      fsw,
		logger:   logger.With("component", "catalog"),
		debounce: defaultDebounce,
	}
	if sum, err := fileSum(catalog.Path()); err == nil {
		w.lastSum = sum
	}
	if err := fsw.Add(filepath.Dir(catalog.Path())); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start watches until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	target := filepath.Clean(w.catalog.Path())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("catalog watch error", "error", err)
		case <-fire:
			timer = nil
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	sum, err := fileSum(w.catalog.Path())
	if err == nil && sum == w.lastSum {
		return
	}
	if err := w.catalog.Reload(); err != nil {
		w.logger.Warn("catalog reload failed, keeping previous catalog", "error", err)
		return
	}
	if err == nil {
		w.lastSum = sum
	}
	w.logger.Info("catalog reloaded", "path", w.catalog.Path(), "recipes", len(w.catalog.List()))
	if w.OnReload != nil {
		w.OnReload(w.catalog)
	}
}

func fileSum(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
