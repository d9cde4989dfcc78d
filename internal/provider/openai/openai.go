// Package openai adapts the OpenAI chat completions API to the
// provider contract.
package openai

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

const providerName = "openai"

type Config struct {
	APIKey  string
	BaseURL string
	Models  []provider.ModelSpec
	// HTTPClient overrides the transport; the per-call timeout comes
	// from the request context, not the client.
	HTTPClient *http.Client
	// RequestsPerSecond enables a client-side request limiter when
	// positive. The wait counts against the call's deadline.
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
		a.baseURL = "https://api.openai.com/v1"
	}
	if a.client == nil {
		a.client = http.DefaultClient
	}
	if cfg.RequestsPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return a
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
	Delta   openAIDelta   `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewFailure(provider.KindFatal, providerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportFailure(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.FailureFromStatus(providerName, resp.StatusCode, resp.Header.Get("Retry-After"), string(respBody))
	}

	var apiResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, provider.NewFailure(provider.KindTransient, providerName, err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, provider.NewFailure(provider.KindTransient, providerName, errors.New("api returned no choices"))
	}

	return &provider.Response{
		ID:           apiResp.ID,
		Content:      apiResp.Choices[0].Message.Content,
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
		Model:        apiResp.Model,
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewFailure(provider.KindFatal, providerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

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
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				send(ctx, ch, &provider.Chunk{Done: true})
				return
			}

			var apiResp openAIResponse
			if err := json.Unmarshal([]byte(data), &apiResp); err != nil {
				send(ctx, ch, &provider.Chunk{Err: provider.NewFailure(provider.KindTransient, providerName, err)})
				return
			}
			if len(apiResp.Choices) > 0 && apiResp.Choices[0].Delta.Content != "" {
				if !send(ctx, ch, &provider.Chunk{Delta: apiResp.Choices[0].Delta.Content}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func (a *Adapter) mapRequest(req *provider.Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}
	out := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if len(req.Schema) > 0 {
		out.ResponseFormat = &responseFormat{Type: "json_schema", JSONSchema: req.Schema}
	}
	return out
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
	return provider.NewFailure(kind, providerName, fmt.Errorf("openai request: %w", err))
}

func send(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
