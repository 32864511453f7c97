package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/leaderpass/conductor/internal/engine"
	"github.com/leaderpass/conductor/internal/fsutil"
	"github.com/leaderpass/conductor/internal/wire"
)

// Preferences is the persisted operator configuration: per-recipe default
// inputs and per-worker concurrency limits.
type Preferences struct {
	RecipeDefaults    map[string]map[string]any `json:"recipe_defaults"`
	WorkerConcurrency map[string]int            `json:"worker_concurrency"`
}

// PreferencesPatch is a partial update. Present fields merge into the saved
// document: each recipe id replaces its defaults map (null removes it), and
// each worker entry replaces its limit.
type PreferencesPatch struct {
	RecipeDefaults    map[string]map[string]any `json:"recipe_defaults,omitempty"`
	WorkerConcurrency map[string]int            `json:"worker_concurrency,omitempty"`
}

// DefaultPreferences returns the out-of-the-box document.
func DefaultPreferences() Preferences {
	wc := make(map[string]int)
	for w, n := range engine.DefaultConcurrency() {
		wc[string(w)] = n
	}
	return Preferences{
		RecipeDefaults:    map[string]map[string]any{},
		WorkerConcurrency: wc,
	}
}

// PrefStore owns the preferences file. Every mutation persists atomically
// before it becomes visible to readers.
type PrefStore struct {
	mu   sync.Mutex
	path string
	cur  Preferences
}

// LoadPreferences reads the store at path, falling back to defaults when the
// file does not exist. Workers missing from a saved document get their
// default limits so a hand-edited file cannot silently stall a worker queue.
func LoadPreferences(path string) (*PrefStore, error) {
	cur := DefaultPreferences()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read preferences: %w", err)
	default:
		var saved Preferences
		if err := json.Unmarshal(b, &saved); err != nil {
			return nil, fmt.Errorf("parse preferences %s: %w", path, err)
		}
		for id, defs := range saved.RecipeDefaults {
			cur.RecipeDefaults[id] = defs
		}
		for name, n := range saved.WorkerConcurrency {
			if wire.Worker(name).Valid() && n > 0 {
				cur.WorkerConcurrency[name] = n
			}
		}
	}
	return &PrefStore{path: path, cur: cur}, nil
}

// Get returns a copy of the current preferences.
func (s *PrefStore) Get() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePreferences(s.cur)
}

// Update merges a patch, persists the result, and returns it. Rejected
// patches leave both the file and the in-memory document untouched.
func (s *PrefStore) Update(patch PreferencesPatch) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := clonePreferences(s.cur)
	for id, defs := range patch.RecipeDefaults {
		if defs == nil {
			delete(next.RecipeDefaults, id)
			continue
		}
		next.RecipeDefaults[id] = cloneInput(defs)
	}
	for name, n := range patch.WorkerConcurrency {
		if !wire.Worker(name).Valid() {
			return Preferences{}, wire.UserErrorf("worker_concurrency: unknown worker %q", name)
		}
		if n <= 0 {
			return Preferences{}, wire.UserErrorf("worker_concurrency.%s must be a positive integer", name)
		}
		next.WorkerConcurrency[name] = n
	}

	if err := fsutil.WriteJSONAtomic(s.path, next); err != nil {
		return Preferences{}, fmt.Errorf("persist preferences: %w", err)
	}
	s.cur = next
	return clonePreferences(next), nil
}

func clonePreferences(p Preferences) Preferences {
	out := Preferences{
		RecipeDefaults:    make(map[string]map[string]any, len(p.RecipeDefaults)),
		WorkerConcurrency: make(map[string]int, len(p.WorkerConcurrency)),
	}
	for id, defs := range p.RecipeDefaults {
		out.RecipeDefaults[id] = cloneInput(defs)
	}
	for name, n := range p.WorkerConcurrency {
		out.WorkerConcurrency[name] = n
	}
	return out
}

func cloneInput(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
