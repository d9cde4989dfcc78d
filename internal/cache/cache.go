// Package cache is the content-addressed response cache. For a given
// fingerprint at most one computation is ever in flight: the first
// caller wins an exclusive lease, everyone else waits on its outcome.
// Failed computations are never cached; aborting a lease wakes all
// waiters with an error so they can retry or fail fast.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaylabs/llm-relay/internal/provider"
)

// ErrComputeAborted is delivered to waiters when the lease holder
// aborts (failure or cancellation) instead of committing.
var ErrComputeAborted = errors.New("cache: in-flight computation aborted")

// Entry is an immutable cached result.
type Entry struct {
	Fingerprint string            `json:"fingerprint"`
	Response    provider.Response `json:"response"`
	CostUSD     float64           `json:"cost_usd"`
	CreatedAt   time.Time         `json:"created_at"`
	TTL         time.Duration     `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CreatedAt.Add(e.TTL))
}

// Store persists committed entries. Lookup of a missing or expired
// entry returns (nil, nil). In-flight coordination stays in-process;
// the store only ever sees completed results.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, fingerprint string) error
}

type flight struct {
	done  chan struct{}
	entry *Entry
	err   error
}

type Cache struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*flight
	now      func() time.Time
}

func New(store Store, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		inflight: make(map[string]*flight),
		now:      time.Now,
	}
}

// Lease is the exclusive computation token for one fingerprint. The
// holder must call exactly one of Commit or Abort.
type Lease struct {
	c           *Cache
	fingerprint string
	fl          *flight
	settled     bool
}

// Begin resolves a fingerprint to one of three outcomes: a fresh cached
// entry, the result of joining an in-flight computation, or a Lease
// granting this caller the exclusive right to compute. Joined waiters
// whose computation aborts receive ErrComputeAborted.
func (c *Cache) Begin(ctx context.Context, fingerprint string) (*Lease, *Entry, error) {
	for {
		entry, err := c.store.Get(ctx, fingerprint)
		if err != nil {
			return nil, nil, err
		}
		if entry != nil && !entry.Expired(c.now()) {
			return nil, entry, nil
		}

		c.mu.Lock()
		if fl, ok := c.inflight[fingerprint]; ok {
			c.mu.Unlock()
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			if fl.err != nil {
				return nil, nil, fl.err
			}
			if fl.entry != nil {
				return nil, fl.entry, nil
			}
			// Committed to the store but not carried on the
			// flight; re-read.
			continue
		}
		fl := &flight{done: make(chan struct{})}
		c.inflight[fingerprint] = fl
		c.mu.Unlock()
		return &Lease{c: c, fingerprint: fingerprint, fl: fl}, nil, nil
	}
}

// Commit stores the computed entry and wakes all waiters with it.
func (l *Lease) Commit(ctx context.Context, entry *Entry) error {
	if l.settled {
		return errors.New("cache: lease already settled")
	}
	l.settled = true

	entry.Fingerprint = l.fingerprint
	if entry.TTL == 0 {
		entry.TTL = l.c.ttl
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.c.now()
	}
	err := l.c.store.Set(ctx, entry)
	if err != nil {
		// Waiters still get the result; only durability suffered.
		l.c.logger.Warn("cache store write failed",
			zap.String("fingerprint", l.fingerprint), zap.Error(err))
	}

	l.c.mu.Lock()
	delete(l.c.inflight, l.fingerprint)
	l.c.mu.Unlock()
	l.fl.entry = entry
	close(l.fl.done)
	return err
}

// Abort releases the slot without caching anything. All joined waiters
// fail fast with ErrComputeAborted; the next Begin may retry.
func (l *Lease) Abort() {
	if l.settled {
		return
	}
	l.settled = true
	l.c.mu.Lock()
	delete(l.c.inflight, l.fingerprint)
	l.c.mu.Unlock()
	l.fl.err = ErrComputeAborted
	close(l.fl.done)
}

// sweeper is implemented by stores that need an explicit expiry pass
// (the Redis store relies on native key TTLs instead).
type sweeper interface {
	PurgeExpired(now time.Time) int
}

// Sweep lazily evicts expired entries on the given interval until ctx
// is cancelled. Stores without an expiry pass make this a no-op loop.
func (c *Cache) Sweep(ctx context.Context, interval time.Duration) {
	s, ok := c.store.(sweeper)
	if !ok {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.PurgeExpired(c.now()); n > 0 {
				c.logger.Debug("cache sweep evicted entries", zap.Int("count", n))
			}
		}
	}
}
