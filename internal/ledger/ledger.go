// Package ledger owns cost accounting: prospective estimates for
// budget gating, the append-only record of every attempt, and the
// rolling spend aggregates budgets are enforced against. Aggregates are
// derived state; Replay rebuilds them from records at any time.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	// OutcomeBudgetSkipped is the synthetic record for a candidate
	// skipped by the budget gate: no cost, no network call.
	OutcomeBudgetSkipped Outcome = "budget_skipped"
)

// Record is one completed attempt. Records are immutable once
// committed.
type Record struct {
	ID           string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Outcome      Outcome
	// FailureKind carries the provider failure tag for failed
	// attempts, empty otherwise.
	FailureKind string
	Timestamp   time.Time
}

// Store persists records. Append must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	// List returns records with Timestamp in [from, to), oldest first.
	List(ctx context.Context, from, to time.Time) ([]*Record, error)
}

// Action is a budget's configured enforcement behavior.
type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
	ActionAlert Action = "allow_with_alert"
)

// Budget caps spend over a window. Budgets are loaded at startup and
// only the ledger commit path moves their consumed state.
type Budget struct {
	Name     string
	LimitUSD float64
	Window   time.Duration
	Action   Action
}

// Decision is the budget gate's answer for one prospective amount.
type Decision int

const (
	Allow Decision = iota
	Warn
	Block
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Warn:
		return "warn"
	case Block:
		return "block"
	}
	return "unknown"
}

// CostSource prices token counts for a (provider, model) pair. The
// provider registry implements it.
type CostSource interface {
	EstimateCost(providerID, model string, inputTokens, outputTokens int) (float64, error)
}

type windowSpend struct {
	start time.Time
	total float64
}

type Ledger struct {
	store  Store
	prices CostSource
	logger *zap.Logger

	mu        sync.Mutex
	budgets   []Budget
	spend     map[string]*windowSpend
	listeners []func(*Record)
	now       func() time.Time
}

func New(store Store, prices CostSource, budgets []Budget, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:   store,
		prices:  prices,
		logger:  logger,
		budgets: budgets,
		spend:   make(map[string]*windowSpend),
		now:     time.Now,
	}
	for _, b := range budgets {
		l.spend[b.Name] = &windowSpend{}
	}
	return l
}

// Estimate prices a prospective call. Unknown providers or models price
// at zero; the routing engine treats that as "no pricing configured"
// rather than an error.
func (l *Ledger) Estimate(providerID, model string, inputTokens, outputTokens int) float64 {
	if l.prices == nil {
		return 0
	}
	amount, err := l.prices.EstimateCost(providerID, model, inputTokens, outputTokens)
	if err != nil {
		return 0
	}
	return amount
}

// CheckBudget answers whether spending amount now is allowed. The
// strictest verdict across all budgets wins.
func (l *Ledger) CheckBudget(amount float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	verdict := Allow
	for _, b := range l.budgets {
		ws := l.currentWindowLocked(b)
		if ws.total+amount <= b.LimitUSD {
			continue
		}
		switch b.Action {
		case ActionBlock:
			return Block
		case ActionWarn, ActionAlert:
			verdict = Warn
		}
	}
	return verdict
}

// Commit appends the record and folds its cost into every budget
// window atomically. Exactly one commit happens per attempt.
func (l *Ledger) Commit(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if err := l.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("ledger append: %w", err)
	}

	l.mu.Lock()
	if rec.CostUSD > 0 {
		for _, b := range l.budgets {
			l.currentWindowLocked(b).total += rec.CostUSD
		}
	}
	listeners := l.listeners
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(rec)
	}
	return nil
}

// OnCommit registers an observer invoked after every committed record.
// Observers must be fast; the usage aggregator is the intended one.
func (l *Ledger) OnCommit(fn func(*Record)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// WindowSpend reports the consumed amount in the named budget's current
// window.
func (l *Ledger) WindowSpend(name string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.budgets {
		if b.Name == name {
			return l.currentWindowLocked(b).total
		}
	}
	return 0
}

// Replay rebuilds the rolling aggregates from the record store. After
// Replay, every window total equals the sum of its records; this is the
// invariant tests check and the recovery path for durable stores.
func (l *Ledger) Replay(ctx context.Context) error {
	l.mu.Lock()
	budgets := l.budgets
	now := l.now()
	l.mu.Unlock()

	fresh := make(map[string]*windowSpend, len(budgets))
	for _, b := range budgets {
		start := windowStart(now, b.Window)
		ws := &windowSpend{start: start}
		recs, err := l.store.List(ctx, start, now.Add(time.Nanosecond))
		if err != nil {
			return fmt.Errorf("ledger replay: %w", err)
		}
		for _, r := range recs {
			ws.total += r.CostUSD
		}
		fresh[b.Name] = ws
	}

	l.mu.Lock()
	l.spend = fresh
	l.mu.Unlock()
	return nil
}

func (l *Ledger) currentWindowLocked(b Budget) *windowSpend {
	ws, ok := l.spend[b.Name]
	if !ok {
		ws = &windowSpend{}
		l.spend[b.Name] = ws
	}
	start := windowStart(l.now(), b.Window)
	if !ws.start.Equal(start) {
		ws.start = start
		ws.total = 0
	}
	return ws
}

// windowStart aligns windows to the wall clock so "daily" means the
// calendar day in UTC, not 24h from the first request.
func windowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return now.UTC().Truncate(window)
}
