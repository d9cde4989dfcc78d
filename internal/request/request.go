// Package request normalizes inbound completion requests into the
// canonical, immutable form the engine routes on, including the
// deterministic fingerprint used for caching and idempotency.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaylabs/llm-relay/internal/provider"
)

// DefaultMaxOutputTokens is assumed for cost estimation when the caller
// does not cap output length.
const DefaultMaxOutputTokens = 1000

// Input is the raw request handed over by the transport layer. Message
// content must already be fully rendered; template syntax is rejected
// upstream of the engine.
type Input struct {
	Model        string
	Messages     []provider.Message
	MaxTokens    int
	Temperature  float64
	ProviderHint string
	Schema       json.RawMessage
	RequestID    string
}

// Request is the canonical request. It is immutable once built;
// everything routing and caching need is precomputed here.
type Request struct {
	Model        string
	Messages     []provider.Message
	MaxTokens    int
	Temperature  float64
	ProviderHint string
	Schema       json.RawMessage
	RequestID    string

	// Fingerprint is the stable hash over messages, model,
	// temperature, max tokens, and schema.
	Fingerprint string
	// InputTokens is the estimated prompt size.
	InputTokens int
}

// EstOutputTokens is the conservative output-length assumption used for
// budget gating before generation.
func (r *Request) EstOutputTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxOutputTokens
}

// ToProviderRequest binds the request to a concrete model.
func (r *Request) ToProviderRequest(model string) *provider.Request {
	return &provider.Request{
		Model:       model,
		Messages:    r.Messages,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		Schema:      r.Schema,
		RequestID:   r.RequestID,
	}
}

// ValidationError marks a malformed request. It is surfaced immediately
// and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

// Counter estimates prompt token counts for the normalizer.
type Counter interface {
	CountMessages(msgs []provider.Message) int
}

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// Normalize validates and canonicalizes an inbound request.
func Normalize(in Input, counter Counter) (*Request, error) {
	if len(in.Messages) == 0 {
		return nil, &ValidationError{Reason: "messages must not be empty"}
	}
	if in.Model == "" {
		return nil, &ValidationError{Reason: "model is required"}
	}
	if in.MaxTokens < 0 {
		return nil, &ValidationError{Reason: "max_tokens must not be negative"}
	}
	if in.Temperature < 0 || in.Temperature > 2 {
		return nil, &ValidationError{Reason: "temperature must be between 0 and 2"}
	}

	msgs := make([]provider.Message, len(in.Messages))
	for i, m := range in.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if !validRoles[role] {
			return nil, &ValidationError{Reason: fmt.Sprintf("unknown message role %q", m.Role)}
		}
		if m.Content == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("message %d has empty content", i)}
		}
		msgs[i] = provider.Message{Role: role, Content: m.Content}
	}

	req := &Request{
		Model:        in.Model,
		Messages:     msgs,
		MaxTokens:    in.MaxTokens,
		Temperature:  in.Temperature,
		ProviderHint: in.ProviderHint,
		Schema:       in.Schema,
		RequestID:    in.RequestID,
	}
	req.Fingerprint = fingerprint(req)
	if counter != nil {
		req.InputTokens = counter.CountMessages(msgs)
	}
	return req, nil
}

// fingerprint hashes the canonical request fields. NUL separators keep
// adjacent fields from colliding.
func fingerprint(r *Request) string {
	h := sha256.New()
	h.Write([]byte(r.Model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(r.Temperature, 'g', -1, 64)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(r.MaxTokens)))
	h.Write([]byte{0})
	h.Write(r.Schema)
	for _, m := range r.Messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
