package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaylabs/llm-relay/internal/cache"
	"github.com/relaylabs/llm-relay/internal/ledger"
	"github.com/relaylabs/llm-relay/internal/provider"
	"github.com/relaylabs/llm-relay/internal/request"
	"github.com/relaylabs/llm-relay/internal/routing"
	"github.com/relaylabs/llm-relay/internal/usage"
)

// fakeAdapter scripts per-call outcomes; the last script repeats once
// the list is exhausted.
type result struct {
	resp *provider.Response
	err  error
}

type fakeAdapter struct {
	mu      sync.Mutex
	id      string
	desc    provider.Descriptor
	results []result
	delay   time.Duration
	calls   int32

	streamChunks []*provider.Chunk
	streamErr    error
	streamCalls  int32
}

func (f *fakeAdapter) Name() string { return f.id }

func (f *fakeAdapter) Calls() int32 { return atomic.LoadInt32(&f.calls) }

func (f *fakeAdapter) StreamCalls() int32 { return atomic.LoadInt32(&f.streamCalls) }

func (f *fakeAdapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	r := f.results[idx]
	if r.err != nil {
		return nil, r.err
	}
	resp := *r.resp
	resp.Provider = f.id
	return &resp, nil
}

func (f *fakeAdapter) StreamComplete(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	atomic.AddInt32(&f.streamCalls, 1)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, c := range f.streamChunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeAdapter) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	if spec, ok := f.desc.Spec(model); ok {
		return spec.Cost(inputTokens, outputTokens)
	}
	return 0
}

type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func (h heuristicCounter) CountMessages(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 + h.Count(m.Content)
	}
	return total
}

type harness struct {
	engine   *Engine
	registry *provider.Registry
	store    *ledger.MemoryStore
	ledger   *ledger.Ledger
}

func fastOpts() Options {
	return Options{
		AttemptTimeout: time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func newHarness(t *testing.T, budgets []ledger.Budget, opts Options, adapters ...*fakeAdapter) *harness {
	t.Helper()
	return newHarnessHealth(t, budgets, opts, provider.DefaultHealthConfig(), adapters...)
}

func newHarnessHealth(t *testing.T, budgets []ledger.Budget, opts Options, hc provider.HealthConfig, adapters ...*fakeAdapter) *harness {
	t.Helper()
	reg := provider.NewRegistry(hc)
	for _, a := range adapters {
		if err := reg.Register(a.desc, a); err != nil {
			t.Fatalf("register %s: %v", a.id, err)
		}
	}

	store := ledger.NewMemoryStore()
	led := ledger.New(store, reg, budgets, nil)
	agg := usage.NewAggregator(nil)
	led.OnCommit(agg.Observe)

	planner := routing.NewPlanner(reg, led, routing.StrategyCostOptimized, nil)
	eng := New(Deps{
		Registry: reg,
		Planner:  planner,
		Cache:    cache.New(cache.NewMemoryStore(), time.Minute, nil),
		Ledger:   led,
		Usage:    agg,
		Tokens:   heuristicCounter{},
	}, opts)

	return &harness{engine: eng, registry: reg, store: store, ledger: led}
}

func adapter(id string, cost float64, results ...result) *fakeAdapter {
	return &fakeAdapter{
		id: id,
		desc: provider.Descriptor{
			ID: id,
			Models: []provider.ModelSpec{
				{ID: id + "-model", Class: "fast", InputPer1K: cost, OutputPer1K: cost},
			},
		},
		results: results,
	}
}

func ok(content string) result {
	return result{resp: &provider.Response{Content: content, InputTokens: 10, OutputTokens: 20}}
}

func fail(kind provider.FailureKind, id string) result {
	return result{err: provider.NewFailure(kind, id, errors.New("scripted failure"))}
}

func input(content string) request.Input {
	return request.Input{
		Model:     "fast",
		Messages:  []provider.Message{{Role: "user", Content: content}},
		MaxTokens: 50,
	}
}

func recordsByOutcome(store *ledger.MemoryStore) map[ledger.Outcome][]*ledger.Record {
	out := make(map[ledger.Outcome][]*ledger.Record)
	for _, r := range store.All() {
		out[r.Outcome] = append(out[r.Outcome], r)
	}
	return out
}

func TestDispatchSuccess(t *testing.T) {
	a := adapter("openai", 0.001, ok("hello there"))
	h := newHarness(t, nil, fastOpts(), a)

	resp, err := h.engine.Dispatch(context.Background(), input("hi"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Provider != "openai" {
		t.Errorf("unexpected provider %q", resp.Provider)
	}

	recs := h.store.All()
	if len(recs) != 1 {
		t.Fatalf("expected 1 ledger record, got %d", len(recs))
	}
	if recs[0].Outcome != ledger.OutcomeSuccess {
		t.Errorf("expected success record, got %s", recs[0].Outcome)
	}
	if recs[0].CostUSD <= 0 {
		t.Errorf("success record should carry actual cost, got %f", recs[0].CostUSD)
	}
}

func TestDispatchFallback(t *testing.T) {
	// Cheapest fails fatally, second fails fatally, third succeeds.
	a := adapter("a", 0.001, fail(provider.KindFatal, "a"))
	b := adapter("b", 0.002, fail(provider.KindFatal, "b"))
	c := adapter("c", 0.003, ok("third time lucky"))
	h := newHarness(t, nil, fastOpts(), a, b, c)

	resp, err := h.engine.Dispatch(context.Background(), input("hi"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Provider != "c" {
		t.Errorf("expected provider c, got %s", resp.Provider)
	}

	by := recordsByOutcome(h.store)
	if len(by[ledger.OutcomeFailure]) != 2 {
		t.Errorf("expected 2 failure records, got %d", len(by[ledger.OutcomeFailure]))
	}
	if len(by[ledger.OutcomeSuccess]) != 1 {
		t.Errorf("expected 1 success record, got %d", len(by[ledger.OutcomeSuccess]))
	}
	// Fatal failures must not be retried on the same candidate.
	if a.Calls() != 1 || b.Calls() != 1 {
		t.Errorf("expected single call each for fatal failures, got a=%d b=%d", a.Calls(), b.Calls())
	}
}

func TestDispatchRetriesWithinCandidate(t *testing.T) {
	// Two transient failures, then success, all on the same provider.
	a := adapter("a", 0.001,
		fail(provider.KindTransient, "a"),
		fail(provider.KindTransient, "a"),
		ok("recovered"))
	h := newHarness(t, nil, fastOpts(), a)

	resp, err := h.engine.Dispatch(context.Background(), input("hi"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if a.Calls() != 3 {
		t.Errorf("expected 3 tries, got %d", a.Calls())
	}

	// Retries within one candidate produce a single terminal record.
	recs := h.store.All()
	if len(recs) != 1 || recs[0].Outcome != ledger.OutcomeSuccess {
		t.Errorf("expected exactly one success record, got %+v", recs)
	}
}

func TestDispatchNoRetriesWhenDisabled(t *testing.T) {
	a := adapter("a", 0.001, fail(provider.KindTransient, "a"), ok("never reached"))
	opts := fastOpts()
	opts.MaxRetries = 0
	h := newHarness(t, nil, opts, a)

	_, err := h.engine.Dispatch(context.Background(), input("hi"))
	if err == nil {
		t.Fatal("expected the single try to fail")
	}
	// An explicit zero means one try per candidate, even for a
	// retryable failure.
	if a.Calls() != 1 {
		t.Errorf("expected a single call with retries disabled, got %d", a.Calls())
	}
}

func TestDispatchExhaustedReturnsAggregate(t *testing.T) {
	a := adapter("a", 0.001, fail(provider.KindFatal, "a"))
	b := adapter("b", 0.002, fail(provider.KindAuthError, "b"))
	h := newHarness(t, nil, fastOpts(), a, b)

	_, err := h.engine.Dispatch(context.Background(), input("hi"))
	var aggErr *AggregateError
	if !errors.As(err, &aggErr) {
		t.Fatalf("expected AggregateError, got %v", err)
	}
	if len(aggErr.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(aggErr.Attempts))
	}
	if aggErr.Attempts[0].Kind != string(provider.KindFatal) {
		t.Errorf("unexpected first kind %s", aggErr.Attempts[0].Kind)
	}
	if aggErr.BudgetBlockedOnly() {
		t.Error("provider failures are not budget blocks")
	}

	by := recordsByOutcome(h.store)
	if len(by[ledger.OutcomeFailure]) != 2 {
		t.Errorf("expected 2 failure records, got %d", len(by[ledger.OutcomeFailure]))
	}
}

func TestDispatchNoProvider(t *testing.T) {
	a := adapter("a", 0.001, ok("hi"))
	h := newHarness(t, nil, fastOpts(), a)

	in := input("hi")
	in.Model = "no-such-model"
	_, err := h.engine.Dispatch(context.Background(), in)
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("expected ErrNoProviderAvailable, got %v", err)
	}
	if len(h.store.All()) != 0 {
		t.Error("no records expected when nothing was attempted")
	}
}

func TestDispatchBudgetBlocked(t *testing.T) {
	a := adapter("a", 1.0, ok("never reached"))
	b := adapter("b", 2.0, ok("never reached"))
	budgets := []ledger.Budget{
		{Name: "zero", LimitUSD: 0, Window: time.Hour, Action: ledger.ActionBlock},
	}
	h := newHarness(t, budgets, fastOpts(), a, b)

	_, err := h.engine.Dispatch(context.Background(), input("hi"))
	var aggErr *AggregateError
	if !errors.As(err, &aggErr) {
		t.Fatalf("expected AggregateError, got %v", err)
	}
	if !aggErr.BudgetBlockedOnly() {
		t.Error("every attempt should be a budget block")
	}
	if a.Calls() != 0 || b.Calls() != 0 {
		t.Errorf("budget block must prevent provider calls, got a=%d b=%d", a.Calls(), b.Calls())
	}

	by := recordsByOutcome(h.store)
	if len(by[ledger.OutcomeBudgetSkipped]) != 2 {
		t.Errorf("expected 2 budget_skipped records, got %d", len(by[ledger.OutcomeBudgetSkipped]))
	}
	if len(by[ledger.OutcomeSuccess])+len(by[ledger.OutcomeFailure]) != 0 {
		t.Error("no success or failure records expected")
	}
}

func TestDispatchWarnBudgetStillExecutes(t *testing.T) {
	a := adapter("a", 1.0, ok("allowed"))
	budgets := []ledger.Budget{
		{Name: "soft", LimitUSD: 0, Window: time.Hour, Action: ledger.ActionWarn},
	}
	h := newHarness(t, budgets, fastOpts(), a)

	resp, err := h.engine.Dispatch(context.Background(), input("hi"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Content != "allowed" {
		t.Errorf("unexpected content %q", resp.Content)
	}
}

func TestDispatchCacheHit(t *testing.T) {
	a := adapter("a", 0.001, ok("cached answer"))
	h := newHarness(t, nil, fastOpts(), a)
	ctx := context.Background()

	first, err := h.engine.Dispatch(ctx, input("same question"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.engine.Dispatch(ctx, input("same question"))
	if err != nil {
		t.Fatal(err)
	}

	if first.Content != second.Content {
		t.Error("cache hit must return the identical response")
	}
	if a.Calls() != 1 {
		t.Errorf("expected a single provider call, got %d", a.Calls())
	}
	// The hit consumes no budget and appends nothing.
	if len(h.store.All()) != 1 {
		t.Errorf("expected 1 ledger record, got %d", len(h.store.All()))
	}
}

func TestDispatchDistinctRequestsNotShared(t *testing.T) {
	a := adapter("a", 0.001, ok("answer"))
	h := newHarness(t, nil, fastOpts(), a)
	ctx := context.Background()

	if _, err := h.engine.Dispatch(ctx, input("question one")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Dispatch(ctx, input("question two")); err != nil {
		t.Fatal(err)
	}
	if a.Calls() != 2 {
		t.Errorf("different fingerprints must not share results, got %d calls", a.Calls())
	}
}

func TestDispatchSingleFlight(t *testing.T) {
	a := adapter("a", 0.001, ok("shared answer"))
	a.delay = 50 * time.Millisecond
	h := newHarness(t, nil, fastOpts(), a)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.engine.Dispatch(context.Background(), input("same question"))
			if err != nil {
				errs <- err
				return
			}
			if resp.Content != "shared answer" {
				errs <- errors.New("wrong content: " + resp.Content)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if a.Calls() != 1 {
		t.Errorf("identical concurrent requests must share one provider call, got %d", a.Calls())
	}
	if len(h.store.All()) != 1 {
		t.Errorf("expected 1 ledger record, got %d", len(h.store.All()))
	}
}

func TestDispatchFailureNotCached(t *testing.T) {
	a := adapter("a", 0.001, fail(provider.KindFatal, "a"), ok("second attempt"))
	h := newHarness(t, nil, fastOpts(), a)
	ctx := context.Background()

	if _, err := h.engine.Dispatch(ctx, input("q")); err == nil {
		t.Fatal("expected first dispatch to fail")
	}

	resp, err := h.engine.Dispatch(ctx, input("q"))
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if resp.Content != "second attempt" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if a.Calls() != 2 {
		t.Errorf("failure must not be cached, got %d calls", a.Calls())
	}
}

func TestDispatchHealthTripsAfterTimeouts(t *testing.T) {
	a := adapter("a", 0.001, fail(provider.KindTimeout, "a"))
	b := adapter("b", 0.002, ok("backup"))
	h := newHarness(t, nil, Options{
		AttemptTimeout: time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, a, b)

	resp, err := h.engine.Dispatch(context.Background(), input("hi"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Provider != "b" {
		t.Errorf("expected fallback to b, got %s", resp.Provider)
	}

	// Three timeouts on a (initial try plus two retries) trip it to
	// unavailable under the default thresholds.
	if got := h.registry.StateOf("a"); got != provider.StateUnavailable {
		t.Errorf("expected a unavailable after repeated timeouts, got %s", got)
	}
	if got := h.registry.StateOf("b"); got != provider.StateHealthy {
		t.Errorf("expected b healthy, got %s", got)
	}
}

func TestDispatchAuthErrorDisablesProvider(t *testing.T) {
	a := adapter("a", 0.001, fail(provider.KindAuthError, "a"))
	b := adapter("b", 0.002, ok("backup"))
	h := newHarness(t, nil, fastOpts(), a, b)
	ctx := context.Background()

	if _, err := h.engine.Dispatch(ctx, input("hi")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := h.registry.StateOf("a"); got != provider.StateUnavailable {
		t.Fatalf("expected a disabled after auth error, got %s", got)
	}

	// Subsequent dispatches never plan the disabled provider.
	if _, err := h.engine.Dispatch(ctx, input("another question")); err != nil {
		t.Fatal(err)
	}
	if a.Calls() != 1 {
		t.Errorf("disabled provider must not be called again, got %d", a.Calls())
	}
}

func TestDispatchCancellation(t *testing.T) {
	a := adapter("a", 0.001, ok("slow"))
	a.delay = 200 * time.Millisecond
	h := newHarness(t, nil, fastOpts(), a)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := h.engine.Dispatch(ctx, input("hi"))
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	// The lease was released: a new dispatch can proceed.
	a.delay = 0
	if _, err := h.engine.Dispatch(context.Background(), input("hi")); err != nil {
		t.Errorf("dispatch after cancellation: %v", err)
	}
}

func TestUsageSnapshotAggregates(t *testing.T) {
	a := adapter("a", 0.001, fail(provider.KindFatal, "a"))
	b := adapter("b", 0.002, ok("fine"))
	h := newHarness(t, nil, fastOpts(), a, b)

	if _, err := h.engine.Dispatch(context.Background(), input("hi")); err != nil {
		t.Fatal(err)
	}

	totals := h.engine.UsageSnapshot()
	if len(totals) != 2 {
		t.Fatalf("expected totals for 2 pairs, got %d", len(totals))
	}
	// Sorted by provider: a first.
	if totals[0].Provider != "a" || totals[0].Failures != 1 {
		t.Errorf("unexpected totals for a: %+v", totals[0])
	}
	if totals[1].Provider != "b" || totals[1].Successes != 1 {
		t.Errorf("unexpected totals for b: %+v", totals[1])
	}
	if totals[1].InputTokens != 10 || totals[1].OutputTokens != 20 {
		t.Errorf("unexpected token totals: %+v", totals[1])
	}
}
