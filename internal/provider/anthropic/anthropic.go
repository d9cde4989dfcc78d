// Package anthropic adapts the Anthropic messages API to the provider
// contract. System messages are lifted out of the message list into the
// top-level system field the API expects.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/relaylabs/llm-relay/internal/provider"
)

const (
	providerName = "anthropic"
	apiVersion   = "2023-06-01"

	// The messages API requires max_tokens; used when the caller
	// leaves it unset.
	defaultMaxTokens = 1024
)

type Config struct {
	APIKey            string
	BaseURL           string
	Models            []provider.ModelSpec
	HTTPClient        *http.Client
	RequestsPerSecond float64
}

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	models  []provider.ModelSpec
	limiter *rate.Limiter
}

func New(cfg Config) *Adapter {
	a := &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  cfg.HTTPClient,
		models:  cfg.Models,
	}
	if a.baseURL == "" {
		a.baseURL = "https://api.anthropic.com/v1"
	}
	if a.client == nil {
		a.client = http.DefaultClient
	}
	if cfg.RequestsPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return a
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	Stream    bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string       `json:"id"`
	Content []apiContent `json:"content"`
	Model   string       `json:"model"`
	Usage   apiUsage     `json:"usage"`
}

type apiContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type  string    `json:"type"`
	Delta apiDelta  `json:"delta,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (a *Adapter) Name() string {
	return providerName
}

func (a *Adapter) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	for _, m := range a.models {
		if m.ID == model {
			return m.Cost(inputTokens, outputTokens)
		}
	}
	return 0
}

func (a *Adapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(a.mapRequest(req, false))
	if err != nil {
		return nil, provider.NewFailure(provider.KindFatal, providerName, err)
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, provider.NewFailure(provider.KindFatal, providerName, err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportFailure(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.FailureFromStatus(providerName, resp.StatusCode, resp.Header.Get("Retry-After"), string(respBody))
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.NewFailure(provider.KindTransient, providerName, err)
	}
	if len(out.Content) == 0 {
		return nil, provider.NewFailure(provider.KindTransient, providerName, errors.New("api returned no content"))
	}

	return &provider.Response{
		ID:           out.ID,
		Content:      out.Content[0].Text,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		Model:        out.Model,
		Provider:     providerName,
	}, nil
}

func (a *Adapter) StreamComplete(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(a.mapRequest(req, true))
	if err != nil {
		return nil, provider.NewFailure(provider.KindFatal, providerName, err)
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, provider.NewFailure(provider.KindFatal, providerName, err)
	}

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			send(ctx, ch, &provider.Chunk{Err: a.transportFailure(ctx, err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			send(ctx, ch, &provider.Chunk{Err: provider.FailureFromStatus(providerName, resp.StatusCode, resp.Header.Get("Retry-After"), string(respBody))})
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(ctx, ch, &provider.Chunk{Done: true})
				} else {
					send(ctx, ch, &provider.Chunk{Err: a.transportFailure(ctx, err)})
				}
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				send(ctx, ch, &provider.Chunk{Err: provider.NewFailure(provider.KindTransient, providerName, err)})
				return
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text != "" {
					if !send(ctx, ch, &provider.Chunk{Delta: ev.Delta.Text}) {
						return
					}
				}
			case "message_stop":
				send(ctx, ch, &provider.Chunk{Done: true})
				return
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				send(ctx, ch, &provider.Chunk{Err: provider.NewFailure(provider.KindTransient, providerName, errors.New(msg))})
				return
			}
		}
	}()

	return ch, nil
}

func (a *Adapter) mapRequest(req *provider.Request, stream bool) apiRequest {
	var system string
	var messages []apiMessage
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, apiMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return apiRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Stream:    stream,
	}
}

func (a *Adapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return a.transportFailure(ctx, err)
	}
	return nil
}

func (a *Adapter) transportFailure(ctx context.Context, err error) *provider.Failure {
	kind := provider.KindTransient
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = provider.KindTimeout
	}
	return provider.NewFailure(kind, providerName, fmt.Errorf("anthropic request: %w", err))
}

func send(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
