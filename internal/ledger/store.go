package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in-process. It is the default store and the
// one engine tests run against.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	cp := *rec
	s.mu.Lock()
	s.recs = append(s.recs, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, from, to time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.recs {
		if (r.Timestamp.Equal(from) || r.Timestamp.After(from)) && r.Timestamp.Before(to) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// All returns a copy of every record, oldest first.
func (s *MemoryStore) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.recs))
	for _, r := range s.recs {
		cp := *r
		out = append(out, &cp)
	}
	return out
}
