package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leaderpass/conductor/internal/wire"
)

func prefPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "preferences.json")
}

func TestLoadPreferencesDefaultsWhenMissing(t *testing.T) {
	store, err := LoadPreferences(prefPath(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := store.Get()
	want := map[string]int{"resolve": 1, "media": 2, "platform": 2}
	for w, n := range want {
		if p.WorkerConcurrency[w] != n {
			t.Fatalf("default %s concurrency = %d, want %d", w, p.WorkerConcurrency[w], n)
		}
	}
	if p.RecipeDefaults == nil || len(p.RecipeDefaults) != 0 {
		t.Fatalf("recipe defaults = %v, want empty map", p.RecipeDefaults)
	}
}

func TestLoadPreferencesFillsMissingWorkers(t *testing.T) {
	path := prefPath(t)
	doc := `{"worker_concurrency":{"media":9},"recipe_defaults":{"transcribe_folder":{"use_gpu":true}}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	store, err := LoadPreferences(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := store.Get()
	if p.WorkerConcurrency["media"] != 9 {
		t.Fatalf("media = %d, want saved 9", p.WorkerConcurrency["media"])
	}
	if p.WorkerConcurrency["resolve"] != 1 || p.WorkerConcurrency["platform"] != 2 {
		t.Fatalf("missing workers not defaulted: %v", p.WorkerConcurrency)
	}
	if p.RecipeDefaults["transcribe_folder"]["use_gpu"] != true {
		t.Fatalf("recipe defaults lost: %v", p.RecipeDefaults)
	}
}

func TestLoadPreferencesRejectsCorruptFile(t *testing.T) {
	path := prefPath(t)
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := LoadPreferences(path); err == nil {
		t.Fatal("corrupt preferences file loaded without error")
	}
}

func TestUpdateMergesAndPersists(t *testing.T) {
	path := prefPath(t)
	store, err := LoadPreferences(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	updated, err := store.Update(PreferencesPatch{
		RecipeDefaults:    map[string]map[string]any{"transcribe_folder": {"use_gpu": true}},
		WorkerConcurrency: map[string]int{"media": 4},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.WorkerConcurrency["media"] != 4 || updated.WorkerConcurrency["resolve"] != 1 {
		t.Fatalf("merged concurrency = %v", updated.WorkerConcurrency)
	}

	// A second patch touches a different field and leaves the first intact.
	updated, err = store.Update(PreferencesPatch{
		RecipeDefaults: map[string]map[string]any{"prepare_project": {"bins": map[string]any{}}},
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if updated.RecipeDefaults["transcribe_folder"]["use_gpu"] != true {
		t.Fatalf("earlier defaults lost: %v", updated.RecipeDefaults)
	}

	reloaded, err := LoadPreferences(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	p := reloaded.Get()
	if p.WorkerConcurrency["media"] != 4 {
		t.Fatalf("persisted media = %d, want 4", p.WorkerConcurrency["media"])
	}
	if len(p.RecipeDefaults) != 2 {
		t.Fatalf("persisted recipe defaults = %v", p.RecipeDefaults)
	}
}

func TestUpdateRejectsInvalidConcurrency(t *testing.T) {
	path := prefPath(t)
	store, err := LoadPreferences(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := []PreferencesPatch{
		{WorkerConcurrency: map[string]int{"gpu": 1}},
		{WorkerConcurrency: map[string]int{"media": 0}},
		{WorkerConcurrency: map[string]int{"media": -2}},
	}
	for i, patch := range cases {
		_, err := store.Update(patch)
		if err == nil {
			t.Fatalf("case %d: invalid patch accepted", i)
		}
		if werr := wire.AsError(err); werr.Category != wire.CategoryUser {
			t.Fatalf("case %d: category = %s, want user", i, werr.Category)
		}
	}

	p := store.Get()
	if p.WorkerConcurrency["media"] != 2 {
		t.Fatalf("rejected patch mutated state: %v", p.WorkerConcurrency)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("rejected patch wrote the preferences file")
	}
}

func TestPatchNullEntryRemovesRecipeDefaults(t *testing.T) {
	store, err := LoadPreferences(prefPath(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := store.Update(PreferencesPatch{
		RecipeDefaults: map[string]map[string]any{"transcribe_folder": {"use_gpu": true}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	updated, err := store.Update(PreferencesPatch{
		RecipeDefaults: map[string]map[string]any{"transcribe_folder": nil},
	})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := updated.RecipeDefaults["transcribe_folder"]; ok {
		t.Fatalf("null entry not removed: %v", updated.RecipeDefaults)
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	store, err := LoadPreferences(prefPath(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := store.Get()
	p.WorkerConcurrency["media"] = 99
	p.RecipeDefaults["x"] = map[string]any{"y": 1}

	if clean := store.Get(); clean.WorkerConcurrency["media"] != 2 || len(clean.RecipeDefaults) != 0 {
		t.Fatalf("caller mutation leaked into store: %+v", clean)
	}
}
