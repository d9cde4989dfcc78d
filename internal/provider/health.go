package provider

import (
	"sync"
	"time"
)

// State is a provider's availability state.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateUnavailable
	StateProbation
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	case StateProbation:
		return "probation"
	}
	return "unknown"
}

// HealthConfig tunes the availability state machine.
type HealthConfig struct {
	// DegradeAfter consecutive transient/timeout failures move a
	// healthy provider to degraded.
	DegradeAfter int
	// DisableAfter consecutive failures move it to unavailable and
	// start the cooldown.
	DisableAfter int
	Cooldown     time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{DegradeAfter: 2, DisableAfter: 3, Cooldown: 30 * time.Second}
}

// health tracks one provider's availability. Healthy → Degraded →
// Unavailable on consecutive transient failures; cooldown expiry moves
// Unavailable → Probation, where exactly one trial request is allowed.
// Auth and fatal failures force Unavailable with no automatic recovery.
type health struct {
	mu            sync.Mutex
	cfg           HealthConfig
	state         State
	consecutive   int
	cooldownUntil time.Time
	probeHeld     bool
	// manual marks a trip that only an explicit reset clears.
	manual bool
	now    func() time.Time
}

func newHealth(cfg HealthConfig) *health {
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = DefaultHealthConfig().DegradeAfter
	}
	if cfg.DisableAfter <= 0 {
		cfg.DisableAfter = DefaultHealthConfig().DisableAfter
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultHealthConfig().Cooldown
	}
	return &health{cfg: cfg, state: StateHealthy, now: time.Now}
}

// State returns the current availability, promoting an expired cooldown
// to probation.
func (h *health) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *health) stateLocked() State {
	if h.state == StateUnavailable && !h.manual && h.now().After(h.cooldownUntil) {
		h.state = StateProbation
		h.probeHeld = false
	}
	return h.state
}

// TryProbe claims the single probation trial. It returns false when the
// provider is not in probation or the trial is already held.
func (h *health) TryProbe() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stateLocked() != StateProbation || h.probeHeld {
		return false
	}
	h.probeHeld = true
	return true
}

// ReleaseProbe returns an unused probation trial.
func (h *health) ReleaseProbe() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateProbation {
		h.probeHeld = false
	}
}

func (h *health) ReportSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
	if h.manual {
		// A manually tripped provider recovers only via Reset.
		return
	}
	h.state = StateHealthy
	h.probeHeld = false
}

func (h *health) ReportFailure(kind FailureKind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch kind {
	case KindAuthError, KindFatal:
		h.state = StateUnavailable
		h.manual = true
		h.probeHeld = false
		return
	case KindTransient, KindTimeout:
	default:
		// Rate limiting and per-model gaps say nothing about the
		// provider as a whole.
		return
	}

	if h.manual {
		return
	}

	if h.stateLocked() == StateProbation {
		// Failed trial: back to unavailable, restart the cooldown.
		h.state = StateUnavailable
		h.probeHeld = false
		h.cooldownUntil = h.now().Add(h.cfg.Cooldown)
		return
	}

	h.consecutive++
	switch {
	case h.consecutive >= h.cfg.DisableAfter:
		h.state = StateUnavailable
		h.cooldownUntil = h.now().Add(h.cfg.Cooldown)
	case h.consecutive >= h.cfg.DegradeAfter:
		h.state = StateDegraded
	}
}

// Reset clears all failure history, including manual trips. Meant for
// operator-driven reconfiguration.
func (h *health) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateHealthy
	h.consecutive = 0
	h.manual = false
	h.probeHeld = false
	h.cooldownUntil = time.Time{}
}
