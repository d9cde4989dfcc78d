package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoProviderAvailable is returned when routing produces an empty
// candidate list.
var ErrNoProviderAvailable = errors.New("no provider available for requested model")

// KindBudgetBlocked tags an attempt skipped by the budget gate; no
// network call was made.
const KindBudgetBlocked = "budget_blocked"

// Attempt records why one candidate did not produce a result.
type Attempt struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail,omitempty"`
}

// AggregateError is returned when every candidate was exhausted. It
// carries the ordered attempt history so callers can see exactly which
// providers were tried and why each failed.
type AggregateError struct {
	Attempts []Attempt
}

func (e *AggregateError) Error() string {
	if len(e.Attempts) == 0 {
		return "all candidates failed"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s/%s: %s", a.Provider, a.Model, a.Kind)
	}
	return "all candidates failed: " + strings.Join(parts, "; ")
}

// BudgetBlockedOnly reports whether every attempt was a budget skip,
// meaning no network call was made at all.
func (e *AggregateError) BudgetBlockedOnly() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if a.Kind != KindBudgetBlocked {
			return false
		}
	}
	return true
}
