// Package usage folds ledger records into per-provider/per-model
// totals for reporting. It observes commits off the hot path and is
// eventually consistent with the ledger.
package usage

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaylabs/llm-relay/internal/ledger"
)

// Totals are the aggregated counters for one (provider, model) pair.
type Totals struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	BudgetSkips  int64   `json:"budget_skips"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type key struct {
	provider string
	model    string
}

type Aggregator struct {
	mu     sync.RWMutex
	totals map[key]*Totals

	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec
}

// NewAggregator builds an aggregator and registers its collectors on
// reg. Pass a fresh registry in tests to avoid duplicate registration.
func NewAggregator(reg prometheus.Registerer) *Aggregator {
	a := &Aggregator{
		totals: make(map[key]*Totals),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_requests_total",
			Help: "Completed dispatch attempts by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_tokens_total",
			Help: "Tokens consumed by provider, model, and direction.",
		}, []string{"provider", "model", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_cost_usd_total",
			Help: "Actual spend in USD by provider and model.",
		}, []string{"provider", "model"}),
	}
	if reg != nil {
		reg.MustRegister(a.requests, a.tokens, a.cost)
	}
	return a
}

// Observe folds one committed record into the totals. Registered as a
// ledger commit listener; it must stay cheap.
func (a *Aggregator) Observe(rec *ledger.Record) {
	a.mu.Lock()
	k := key{provider: rec.Provider, model: rec.Model}
	t, ok := a.totals[k]
	if !ok {
		t = &Totals{Provider: rec.Provider, Model: rec.Model}
		a.totals[k] = t
	}
	t.Requests++
	switch rec.Outcome {
	case ledger.OutcomeSuccess:
		t.Successes++
	case ledger.OutcomeBudgetSkipped:
		t.BudgetSkips++
	default:
		t.Failures++
	}
	t.InputTokens += int64(rec.InputTokens)
	t.OutputTokens += int64(rec.OutputTokens)
	t.CostUSD += rec.CostUSD
	a.mu.Unlock()

	a.requests.WithLabelValues(rec.Provider, rec.Model, string(rec.Outcome)).Inc()
	a.tokens.WithLabelValues(rec.Provider, rec.Model, "input").Add(float64(rec.InputTokens))
	a.tokens.WithLabelValues(rec.Provider, rec.Model, "output").Add(float64(rec.OutputTokens))
	if rec.CostUSD > 0 {
		a.cost.WithLabelValues(rec.Provider, rec.Model).Add(rec.CostUSD)
	}
}

// Snapshot returns a copy of the totals, sorted by provider then model.
func (a *Aggregator) Snapshot() []Totals {
	a.mu.RLock()
	out := make([]Totals, 0, len(a.totals))
	for _, t := range a.totals {
		out = append(out, *t)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}
