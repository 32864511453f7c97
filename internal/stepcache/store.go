package stepcache

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/leaderpass/conductor/internal/fsutil"
)

// Entry is one cached step result.
type Entry struct {
	CreatedAt time.Time `json:"created_at"`
	Output    any       `json:"output"`
}

// document is the persisted form of the whole store.
type document struct {
	Entries map[string]Entry `json:"entries"`
}

// Stats counts lookups since the store was opened. Expired entries count as
// misses.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Store is the keyed persistent step-result cache. The whole store lives in
// a single JSON document written atomically after every mutation.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
	stats   Stats
}

// NewStore opens the store at path, loading the existing document when one
// is present. A missing file is an empty store.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, entries: map[string]Entry{}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.Entries != nil {
		s.entries = doc.Entries
	}
	return s, nil
}

// Get returns the entry for fingerprint if present and not expired. A ttl of
// zero means entries never expire.
func (s *Store) Get(fingerprint string, ttl time.Duration) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[fingerprint]
	if !ok {
		s.stats.Misses++
		return Entry{}, false
	}
	if ttl > 0 && time.Since(entry.CreatedAt) > ttl {
		s.stats.Misses++
		return Entry{}, false
	}
	s.stats.Hits++
	return entry, true
}

// Stats reports lookup counts since the store was opened.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Set records output under fingerprint and persists the store.
func (s *Store) Set(fingerprint string, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fingerprint] = Entry{CreatedAt: time.Now().UTC(), Output: output}
	return s.persistLocked()
}

// Invalidate removes one entry. Unknown fingerprints are a no-op.
func (s *Store) Invalidate(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[fingerprint]; !ok {
		return nil
	}
	delete(s.entries, fingerprint)
	return s.persistLocked()
}

// InvalidateAll empties the store.
func (s *Store) InvalidateAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]Entry{}
	return s.persistLocked()
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) persistLocked() error {
	return fsutil.WriteJSONAtomic(s.path, document{Entries: s.entries})
}
