package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default in-process entry store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if e.Expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries, fingerprint)
		s.mu.Unlock()
		return nil, nil
	}
	return e, nil
}

func (s *MemoryStore) Set(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	s.entries[entry.Fingerprint] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	delete(s.entries, fingerprint)
	s.mu.Unlock()
	return nil
}

// PurgeExpired drops every entry past its TTL and returns the count.
func (s *MemoryStore) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for fp, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, fp)
			n++
		}
	}
	return n
}

// Len reports the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
