package stepcache

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStoreSetGetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepcache.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Set("fp1", map[string]any{"files_processed": 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, ok := s.Get("fp1", 0)
	if !ok {
		t.Fatalf("Get missed a just-set entry")
	}
	if entry.CreatedAt.IsZero() {
		t.Fatalf("created_at not stamped")
	}

	// A fresh store over the same file sees the entry.
	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore reopen: %v", err)
	}
	entry2, ok := s2.Get("fp1", 0)
	if !ok {
		t.Fatalf("reopened store lost the entry")
	}
	out, ok := entry2.Output.(map[string]any)
	if !ok || out["files_processed"] != float64(3) {
		t.Fatalf("reopened output = %#v", entry2.Output)
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepcache.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Set("fp1", "value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := s.Get("fp1", time.Hour); !ok {
		t.Fatalf("entry expired far too early")
	}
	if _, ok := s.Get("fp1", time.Nanosecond); ok {
		t.Fatalf("expired entry still returned")
	}
	// Zero ttl means no expiry.
	if _, ok := s.Get("fp1", 0); !ok {
		t.Fatalf("zero ttl must not expire entries")
	}
}

func TestStoreInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepcache.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_ = s.Set("fp1", 1)
	_ = s.Set("fp2", 2)

	if err := s.Invalidate("fp1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := s.Get("fp1", 0); ok {
		t.Fatalf("fp1 survived invalidation")
	}
	if _, ok := s.Get("fp2", 0); !ok {
		t.Fatalf("fp2 was collaterally invalidated")
	}

	if err := s.InvalidateAll(); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("store not empty after InvalidateAll: %d", s.Len())
	}
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("missing file should load as empty store")
	}
}
