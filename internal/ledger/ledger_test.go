package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedPrices struct{ perCall float64 }

func (f fixedPrices) EstimateCost(providerID, model string, inputTokens, outputTokens int) (float64, error) {
	if providerID == "unknown" {
		return 0, errors.New("no such provider")
	}
	return f.perCall, nil
}

func testLedger(budgets []Budget) (*Ledger, *MemoryStore, *time.Time) {
	store := NewMemoryStore()
	l := New(store, fixedPrices{perCall: 0.01}, budgets, nil)
	clock := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, store, &clock
}

func TestEstimateUnknownIsZero(t *testing.T) {
	l, _, _ := testLedger(nil)
	require.Equal(t, 0.0, l.Estimate("unknown", "m", 100, 100))
	require.Equal(t, 0.01, l.Estimate("openai", "gpt-4o-mini", 100, 100))
}

func TestCheckBudgetDecisions(t *testing.T) {
	l, _, _ := testLedger([]Budget{
		{Name: "hourly", LimitUSD: 1.0, Window: time.Hour, Action: ActionBlock},
	})

	require.Equal(t, Allow, l.CheckBudget(0.5))
	require.Equal(t, Block, l.CheckBudget(1.5))
}

func TestCheckBudgetStrictestWins(t *testing.T) {
	l, _, _ := testLedger([]Budget{
		{Name: "soft", LimitUSD: 0.1, Window: time.Hour, Action: ActionWarn},
		{Name: "hard", LimitUSD: 1.0, Window: time.Hour, Action: ActionBlock},
	})

	// Over the soft limit only.
	require.Equal(t, Warn, l.CheckBudget(0.5))
	// Over both: block dominates warn.
	require.Equal(t, Block, l.CheckBudget(1.5))
}

func TestCommitFoldsSpendIntoWindows(t *testing.T) {
	l, _, _ := testLedger([]Budget{
		{Name: "hourly", LimitUSD: 1.0, Window: time.Hour, Action: ActionBlock},
		{Name: "daily", LimitUSD: 10.0, Window: 24 * time.Hour, Action: ActionWarn},
	})
	ctx := context.Background()

	require.NoError(t, l.Commit(ctx, &Record{
		Provider: "openai", Model: "gpt-4o-mini", CostUSD: 0.4, Outcome: OutcomeSuccess,
	}))
	require.NoError(t, l.Commit(ctx, &Record{
		Provider: "openai", Model: "gpt-4o-mini", CostUSD: 0.3, Outcome: OutcomeSuccess,
	}))

	require.InDelta(t, 0.7, l.WindowSpend("hourly"), 1e-9)
	require.InDelta(t, 0.7, l.WindowSpend("daily"), 1e-9)

	// 0.7 consumed, 0.5 more exceeds the hourly limit.
	require.Equal(t, Block, l.CheckBudget(0.5))
	require.Equal(t, Allow, l.CheckBudget(0.2))
}

func TestZeroCostRecordsDoNotMoveSpend(t *testing.T) {
	l, _, _ := testLedger([]Budget{
		{Name: "hourly", LimitUSD: 1.0, Window: time.Hour, Action: ActionBlock},
	})
	ctx := context.Background()

	require.NoError(t, l.Commit(ctx, &Record{
		Provider: "openai", Model: "gpt-4o-mini", Outcome: OutcomeFailure, FailureKind: "timeout",
	}))
	require.NoError(t, l.Commit(ctx, &Record{
		Provider: "openai", Model: "gpt-4o-mini", Outcome: OutcomeBudgetSkipped,
	}))

	require.Equal(t, 0.0, l.WindowSpend("hourly"))
}

func TestCommitAssignsIDAndTimestamp(t *testing.T) {
	l, store, clock := testLedger(nil)

	rec := &Record{Provider: "openai", Model: "gpt-4o-mini", Outcome: OutcomeSuccess}
	require.NoError(t, l.Commit(context.Background(), rec))
	require.NotEmpty(t, rec.ID)
	require.Equal(t, *clock, rec.Timestamp)
	require.Len(t, store.All(), 1)
}

func TestWindowRollover(t *testing.T) {
	l, _, clock := testLedger([]Budget{
		{Name: "hourly", LimitUSD: 1.0, Window: time.Hour, Action: ActionBlock},
	})
	ctx := context.Background()

	require.NoError(t, l.Commit(ctx, &Record{CostUSD: 0.9, Outcome: OutcomeSuccess}))
	require.Equal(t, Block, l.CheckBudget(0.5))

	// Next wall-clock hour: the window resets.
	*clock = clock.Add(time.Hour)
	require.Equal(t, Allow, l.CheckBudget(0.5))
	require.Equal(t, 0.0, l.WindowSpend("hourly"))
}

func TestReplayMatchesCommittedSpend(t *testing.T) {
	budgets := []Budget{
		{Name: "hourly", LimitUSD: 5.0, Window: time.Hour, Action: ActionBlock},
	}
	l, store, clock := testLedger(budgets)
	ctx := context.Background()

	require.NoError(t, l.Commit(ctx, &Record{CostUSD: 0.25, Outcome: OutcomeSuccess}))
	require.NoError(t, l.Commit(ctx, &Record{CostUSD: 0.50, Outcome: OutcomeSuccess}))
	require.NoError(t, l.Commit(ctx, &Record{Outcome: OutcomeFailure, FailureKind: "transient"}))
	before := l.WindowSpend("hourly")

	// A fresh ledger over the same store rebuilds identical aggregates.
	l2 := New(store, fixedPrices{perCall: 0.01}, budgets, nil)
	l2.now = func() time.Time { return *clock }
	require.NoError(t, l2.Replay(ctx))
	require.InDelta(t, before, l2.WindowSpend("hourly"), 1e-9)
}

func TestReplayExcludesOlderWindows(t *testing.T) {
	budgets := []Budget{
		{Name: "hourly", LimitUSD: 5.0, Window: time.Hour, Action: ActionBlock},
	}
	l, store, clock := testLedger(budgets)
	ctx := context.Background()

	require.NoError(t, l.Commit(ctx, &Record{CostUSD: 1.0, Outcome: OutcomeSuccess}))
	*clock = clock.Add(time.Hour)
	require.NoError(t, l.Commit(ctx, &Record{CostUSD: 0.25, Outcome: OutcomeSuccess}))

	l2 := New(store, fixedPrices{perCall: 0.01}, budgets, nil)
	l2.now = func() time.Time { return *clock }
	require.NoError(t, l2.Replay(ctx))
	require.InDelta(t, 0.25, l2.WindowSpend("hourly"), 1e-9)
}

func TestOnCommitListeners(t *testing.T) {
	l, _, _ := testLedger(nil)

	var seen []*Record
	l.OnCommit(func(rec *Record) { seen = append(seen, rec) })

	require.NoError(t, l.Commit(context.Background(), &Record{Provider: "openai", Outcome: OutcomeSuccess}))
	require.Len(t, seen, 1)
	require.Equal(t, "openai", seen[0].Provider)
}

func TestConcurrentCommits(t *testing.T) {
	l, store, _ := testLedger([]Budget{
		{Name: "hourly", LimitUSD: 1000, Window: time.Hour, Action: ActionBlock},
	})
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Commit(ctx, &Record{CostUSD: 0.01, Outcome: OutcomeSuccess}))
		}()
	}
	wg.Wait()

	require.Len(t, store.All(), n)
	require.InDelta(t, float64(n)*0.01, l.WindowSpend("hourly"), 1e-9)
}
