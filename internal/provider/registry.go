package provider

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("provider not found")

// Registry holds the configured adapters and their descriptors. It is
// populated at startup; availability-state transitions are the only
// mutation afterwards, guarded per provider so unrelated requests never
// contend on a shared lock.
type Registry struct {
	mu        sync.RWMutex
	entries   []*entry
	byID      map[string]*entry
	healthCfg HealthConfig
}

type entry struct {
	desc    Descriptor
	adapter Provider
	health  *health
	order   int
}

// Ref is one (provider, concrete model) pairing eligible to serve a
// request, in registration order.
type Ref struct {
	Desc  Descriptor
	Model ModelSpec
	Order int
	State State
}

func NewRegistry(healthCfg HealthConfig) *Registry {
	return &Registry{byID: make(map[string]*entry), healthCfg: healthCfg}
}

func (r *Registry) Register(desc Descriptor, adapter Provider) error {
	if desc.ID == "" {
		return errors.New("provider descriptor missing id")
	}
	if len(desc.Models) == 0 {
		return fmt.Errorf("provider %s declares no models", desc.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[desc.ID]; dup {
		return fmt.Errorf("provider %s already registered", desc.ID)
	}
	e := &entry{desc: desc, adapter: adapter, health: newHealth(r.healthCfg), order: len(r.entries)}
	r.entries = append(r.entries, e)
	r.byID[desc.ID] = e
	return nil
}

func (r *Registry) Resolve(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, providerID)
	}
	return e.adapter, nil
}

func (r *Registry) Descriptor(providerID string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[providerID]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, providerID)
	}
	return e.desc, nil
}

// CandidatesFor returns every (provider, concrete model) pairing able
// to serve modelOrClass, in registration order, annotated with the
// provider's current availability. Filtering by state is the routing
// engine's job.
func (r *Registry) CandidatesFor(modelOrClass string) []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var refs []Ref
	for _, e := range r.entries {
		for _, m := range e.desc.MatchModels(modelOrClass) {
			refs = append(refs, Ref{Desc: e.desc, Model: m, Order: e.order, State: e.health.State()})
		}
	}
	return refs
}

// EstimateCost prices the given token counts for providerID's model.
func (r *Registry) EstimateCost(providerID, model string, inputTokens, outputTokens int) (float64, error) {
	adapter, err := r.Resolve(providerID)
	if err != nil {
		return 0, err
	}
	return adapter.EstimateCost(model, inputTokens, outputTokens), nil
}

func (r *Registry) StateOf(providerID string) State {
	r.mu.RLock()
	e, ok := r.byID[providerID]
	r.mu.RUnlock()
	if !ok {
		return StateUnavailable
	}
	return e.health.State()
}

func (r *Registry) ReportSuccess(providerID string) {
	if e := r.lookup(providerID); e != nil {
		e.health.ReportSuccess()
	}
}

func (r *Registry) ReportFailure(providerID string, kind FailureKind) {
	if e := r.lookup(providerID); e != nil {
		e.health.ReportFailure(kind)
	}
}

// TryProbe claims the single probation trial for providerID.
func (r *Registry) TryProbe(providerID string) bool {
	if e := r.lookup(providerID); e != nil {
		return e.health.TryProbe()
	}
	return false
}

// ReleaseProbe returns an unused probation trial, so a claimed but
// never-attempted candidate does not starve recovery.
func (r *Registry) ReleaseProbe(providerID string) {
	if e := r.lookup(providerID); e != nil {
		e.health.ReleaseProbe()
	}
}

// ResetHealth clears a provider's failure history, including auth/fatal
// trips that require operator intervention.
func (r *Registry) ResetHealth(providerID string) {
	if e := r.lookup(providerID); e != nil {
		e.health.Reset()
	}
}

func (r *Registry) lookup(providerID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[providerID]
}
