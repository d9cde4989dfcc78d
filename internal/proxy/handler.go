// Package proxy is the thin HTTP adapter in front of the engine: it
// converts wire-format bodies into normalized inputs and engine results
// back into OpenAI-compatible JSON. All routing, fallback, and cost
// decisions live in the engine.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaylabs/llm-relay/internal/engine"
	"github.com/relaylabs/llm-relay/internal/provider"
	"github.com/relaylabs/llm-relay/internal/request"
)

type Handler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewHandler(eng *engine.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: eng, logger: logger}
}

type completionRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}

	resp, err := h.engine.Dispatch(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	respID := resp.ID
	if respID == "" {
		respID = uuid.New().String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    resp.Model,
		"provider": resp.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"total_tokens":      resp.InputTokens + resp.OutputTokens,
		},
	})
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decode(w, r)
	if !ok {
		return
	}

	ch, err := h.engine.StreamDispatch(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for chunk := range ch {
		if chunk.Err != nil {
			data, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			flusher.Flush()
			break
		}
		if chunk.Delta != "" {
			data, _ := json.Marshal(streamFrame{
				Choices: []streamChoice{{Delta: streamDelta{Content: chunk.Delta}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}
	}
}

type streamFrame struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
	Index int         `json:"index"`
}

type streamDelta struct {
	Content string `json:"content"`
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totals": h.engine.UsageSnapshot(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (request.Input, bool) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return request.Input{}, false
	}

	msgs := make([]provider.Message, len(body.Messages))
	for i, m := range body.Messages {
		msgs[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return request.Input{
		Model:        body.Model,
		Messages:     msgs,
		MaxTokens:    body.MaxTokens,
		Temperature:  body.Temperature,
		ProviderHint: body.Provider,
		Schema:       body.Schema,
		RequestID:    uuid.New().String(),
	}, true
}

// writeError maps engine errors to wire responses without ever
// collapsing them into an opaque internal error.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var vErr *request.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Error()})
		return
	}
	if errors.Is(err, engine.ErrNoProviderAvailable) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	var aggErr *engine.AggregateError
	if errors.As(err, &aggErr) {
		status := http.StatusBadGateway
		if aggErr.BudgetBlockedOnly() {
			status = http.StatusPaymentRequired
		}
		writeJSON(w, status, map[string]interface{}{
			"error":    aggErr.Error(),
			"attempts": aggErr.Attempts,
		})
		return
	}

	h.logger.Error("dispatch failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
