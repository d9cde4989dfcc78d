package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// FailureKind discriminates provider failures so the executor and the
// availability state machine can decide between retry, fallback, and
// disabling the provider.
type FailureKind string

const (
	KindRateLimited      FailureKind = "rate_limited"
	KindTimeout          FailureKind = "timeout"
	KindAuthError        FailureKind = "auth_error"
	KindModelUnavailable FailureKind = "model_unavailable"
	KindTransient        FailureKind = "transient"
	KindFatal            FailureKind = "fatal"
)

// Failure is the tagged error every adapter returns on a failed call.
type Failure struct {
	Kind     FailureKind
	Provider string
	Model    string
	// RetryAfter carries the backend's requested pause for
	// rate-limited failures; zero when the backend did not say.
	RetryAfter time.Duration
	Cause      error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("provider %s [%s]: %v", f.Provider, f.Kind, f.Cause)
	}
	return fmt.Sprintf("provider %s [%s]", f.Provider, f.Kind)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Retryable reports whether the same candidate may be retried after
// backoff. Auth, fatal, and model-unavailable failures never are.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case KindRateLimited, KindTimeout, KindTransient:
		return true
	}
	return false
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// NewFailure builds a tagged failure for the given provider.
func NewFailure(kind FailureKind, providerName string, cause error) *Failure {
	return &Failure{Kind: kind, Provider: providerName, Cause: cause}
}

// FailureFromStatus classifies an upstream HTTP status into a Failure.
// Adapters share this so every backend maps errors consistently.
func FailureFromStatus(providerName string, status int, retryAfter string, body string) *Failure {
	f := &Failure{
		Provider: providerName,
		Cause:    fmt.Errorf("upstream status %d: %s", status, body),
	}
	switch {
	case status == http.StatusTooManyRequests:
		f.Kind = KindRateLimited
		f.RetryAfter = parseRetryAfter(retryAfter)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		f.Kind = KindAuthError
	case status == http.StatusNotFound:
		f.Kind = KindModelUnavailable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		f.Kind = KindTimeout
	case status >= 500:
		f.Kind = KindTransient
	default:
		f.Kind = KindFatal
	}
	return f
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
