// Package routing turns a normalized request into the ordered fallback
// chain of (provider, model) candidates the executor walks. Ordering is
// deterministic: ties always break by provider registration order.
package routing

import (
	"sort"

	"github.com/relaylabs/llm-relay/internal/provider"
	"github.com/relaylabs/llm-relay/internal/request"
)

type Strategy string

const (
	StrategyCostOptimized Strategy = "cost_optimized"
	StrategyQuality       Strategy = "quality"
	StrategyLocalFirst    Strategy = "local_first"
	StrategySpeed         Strategy = "speed"
)

// Known reports whether s names a configured strategy.
func (s Strategy) Known() bool {
	switch s {
	case StrategyCostOptimized, StrategyQuality, StrategyLocalFirst, StrategySpeed:
		return true
	}
	return false
}

// Candidate is one provider/model pairing to try, ephemeral to a single
// request.
type Candidate struct {
	Provider     string
	Model        string
	Class        string
	EstCost      float64
	LatencyClass int
	Local        bool
	State        provider.State
	order        int
}

// Estimator prices a prospective call; the ledger implements it.
type Estimator interface {
	Estimate(providerID, model string, inputTokens, outputTokens int) float64
}

type Planner struct {
	reg      *provider.Registry
	est      Estimator
	strategy Strategy
	// precedence is the quality strategy's fixed ordering of model
	// classes, best first.
	precedence []string
}

func NewPlanner(reg *provider.Registry, est Estimator, strategy Strategy, precedence []string) *Planner {
	return &Planner{reg: reg, est: est, strategy: strategy, precedence: precedence}
}

// Plan produces the fallback chain for req. Unavailable providers are
// excluded; a provider in probation contributes at most one candidate
// and only if this request claims its single trial slot. An empty plan
// means no provider can serve the request.
//
// Probation trials claimed here but never attempted must be returned
// via the registry's ReleaseProbe; the executor does that.
func (p *Planner) Plan(req *request.Request) []Candidate {
	refs := p.reg.CandidatesFor(req.Model)

	probed := make(map[string]bool)
	var cands []Candidate
	for _, ref := range refs {
		switch ref.State {
		case provider.StateUnavailable:
			continue
		case provider.StateProbation:
			if probed[ref.Desc.ID] || !p.reg.TryProbe(ref.Desc.ID) {
				continue
			}
			probed[ref.Desc.ID] = true
		}
		cands = append(cands, Candidate{
			Provider:     ref.Desc.ID,
			Model:        ref.Model.ID,
			Class:        ref.Model.Class,
			EstCost:      p.est.Estimate(ref.Desc.ID, ref.Model.ID, req.InputTokens, req.EstOutputTokens()),
			LatencyClass: ref.Desc.LatencyClass,
			Local:        ref.Desc.Local,
			State:        ref.State,
			order:        ref.Order,
		})
	}

	p.sortCandidates(cands)

	if req.ProviderHint != "" {
		cands = hintFirst(cands, req.ProviderHint)
	}
	return cands
}

func (p *Planner) sortCandidates(cands []Candidate) {
	// The input is in registration order and every sort below is
	// stable, which gives the deterministic tie-break.
	switch p.strategy {
	case StrategyQuality:
		rank := make(map[string]int, len(p.precedence))
		for i, class := range p.precedence {
			rank[class] = i
		}
		sort.SliceStable(cands, func(i, j int) bool {
			return classRank(rank, cands[i].Class) < classRank(rank, cands[j].Class)
		})
	case StrategyLocalFirst:
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].Local != cands[j].Local {
				return cands[i].Local
			}
			if cands[i].Local {
				// Locals stay in registration order.
				return false
			}
			return cands[i].EstCost < cands[j].EstCost
		})
	case StrategySpeed:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].LatencyClass < cands[j].LatencyClass
		})
	default: // cost_optimized
		sort.SliceStable(cands, func(i, j int) bool {
			di := cands[i].State == provider.StateDegraded
			dj := cands[j].State == provider.StateDegraded
			if di != dj {
				return !di
			}
			return cands[i].EstCost < cands[j].EstCost
		})
	}
}

func classRank(rank map[string]int, class string) int {
	if r, ok := rank[class]; ok {
		return r
	}
	return len(rank) + 1
}

// hintFirst stably moves the hinted provider's candidates to the front.
// An unknown hint changes nothing.
func hintFirst(cands []Candidate, hint string) []Candidate {
	out := make([]Candidate, 0, len(cands))
	var rest []Candidate
	for _, c := range cands {
		if c.Provider == hint {
			out = append(out, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(out, rest...)
}
