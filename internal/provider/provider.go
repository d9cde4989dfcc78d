package provider

import (
	"context"
	"encoding/json"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Schema, when set, requests structured output conforming to the
	// given JSON schema. Adapters that do not support it ignore it.
	Schema    json.RawMessage
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Provider is the uniform capability wrapper around one LLM backend.
// Implementations must be safe for concurrent use and must not mutate
// any state beyond issuing the outbound call.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	// StreamComplete returns a finite, non-restartable sequence of
	// incremental chunks. The channel is closed after the final chunk.
	// Cancelling ctx aborts the stream.
	StreamComplete(ctx context.Context, req *Request) (<-chan *Chunk, error)
	// EstimateCost returns the USD cost for the given token counts
	// against this provider's pricing for model. Unknown models cost 0.
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// ModelSpec describes one concrete model a provider serves, including
// its pricing and the abstract class ("fast", "balanced", ...) routing
// may resolve to it.
type ModelSpec struct {
	ID          string  `yaml:"id"`
	Class       string  `yaml:"class"`
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Cost returns the USD cost of the given token counts under this spec.
func (m ModelSpec) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*m.InputPer1K + float64(outputTokens)/1000*m.OutputPer1K
}

type Capabilities struct {
	Streaming        bool `yaml:"streaming"`
	StructuredOutput bool `yaml:"structured_output"`
	Vision           bool `yaml:"vision"`
}

// Descriptor is the static, registry-owned metadata for one provider.
type Descriptor struct {
	ID           string
	Models       []ModelSpec
	Capabilities Capabilities
	// Local marks providers running on-host; the local_first strategy
	// prefers them over remote backends.
	Local bool
	// LatencyClass orders providers by expected responsiveness,
	// lower is faster.
	LatencyClass int
}

// Spec returns the ModelSpec for the given concrete model ID.
func (d Descriptor) Spec(modelID string) (ModelSpec, bool) {
	for _, m := range d.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// MatchModels returns the concrete models satisfying modelOrClass:
// either the model whose ID matches exactly, or every model whose
// class matches.
func (d Descriptor) MatchModels(modelOrClass string) []ModelSpec {
	var out []ModelSpec
	for _, m := range d.Models {
		if m.ID == modelOrClass || m.Class == modelOrClass {
			out = append(out, m)
		}
	}
	return out
}
