// Package ollama is a Provider for a local Ollama server, speaking its
// native /api/chat endpoint with newline-delimited JSON streaming.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/provider"
)

const (
	// Name is the provider identifier.
	Name = "ollama"

	// DefaultBaseURL is where a local Ollama listens.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel is a small code model that fits on a laptop GPU.
	DefaultModel = "qwen2.5-coder:7b-instruct-q5_K_M"
)

// Config configures the Ollama provider.
type Config struct {
	BaseURL string

	// Timeout bounds non-streaming requests. Streams are bounded by ctx.
	Timeout time.Duration

	// KeepAlive controls how long Ollama keeps the model loaded (e.g. "5m").
	KeepAlive string
}

// Provider talks to an Ollama server.
type Provider struct {
	httpClient *http.Client
	baseURL    string
	keepAlive  string
}

var _ provider.Provider = (*Provider)(nil)

// New creates an Ollama provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Provider{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		keepAlive:  cfg.KeepAlive,
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return Name }

// Capabilities reports streaming support. Models are whatever has been
// pulled into the server.
func (p *Provider) Capabilities() provider.ProviderCapabilities {
	return provider.ProviderCapabilities{Streaming: true}
}

func (p *Provider) chatRequest(req *provider.ProviderRequest, stream bool) *ChatRequest {
	cr := &ChatRequest{Model: req.Model, Stream: stream, KeepAlive: p.keepAlive}
	for _, m := range req.Messages {
		cr.Messages = append(cr.Messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		cr.Options = &Options{Temperature: req.Temperature, NumPredict: req.MaxTokens, Stop: req.Stop}
	}
	return cr
}

func (p *Provider) post(ctx context.Context, client *http.Client, body any, model string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("backend connection error: %s", err.Error()))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, mapHTTPError(resp, model)
	}
	return resp, nil
}

// Complete performs non-streaming inference.
func (p *Provider) Complete(ctx context.Context, req *provider.ProviderRequest) (*provider.ProviderResponse, error) {
	resp, err := p.post(ctx, p.httpClient, p.chatRequest(req, false), req.Model)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to parse backend response: %s", err.Error()))
	}
	if cr.Error != "" {
		return nil, api.NewModelError(cr.Error)
	}
	return &provider.ProviderResponse{
		Text:         cr.Message.Content,
		Model:        cr.Model,
		FinishReason: cr.DoneReason,
		Usage:        usageOf(&cr),
	}, nil
}

// Stream performs streaming inference. Ollama sends one JSON object per
// line; the last one has done=true.
func (p *Provider) Stream(ctx context.Context, req *provider.ProviderRequest) (<-chan provider.ProviderEvent, error) {
	streamClient := &http.Client{Transport: p.httpClient.Transport}
	resp, err := p.post(ctx, streamClient, p.chatRequest(req, true), req.Model)
	if err != nil {
		return nil, err
	}
	debug.LogContext(ctx, "providers", "stream opened", "provider", Name, "model", req.Model)

	ch := make(chan provider.ProviderEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		ParseNDJSONStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// ListModels returns the models pulled into the server.
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("backend connection error: %s", err.Error()))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp, "")
	}

	var tags TagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to parse models response: %s", err.Error()))
	}
	models := make([]provider.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, provider.ModelInfo{ID: m.Name, Object: "model", OwnedBy: Name})
	}
	return models, nil
}

// Close releases client resources.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func usageOf(cr *ChatResponse) provider.Usage {
	return provider.Usage{
		InputTokens:  cr.PromptEvalCount,
		OutputTokens: cr.EvalCount,
		TotalTokens:  cr.PromptEvalCount + cr.EvalCount,
	}
}

func mapHTTPError(resp *http.Response, model string) *api.APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er ErrorResponse
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return provider.ModelNotFound(model, msg)
	case http.StatusBadRequest:
		return api.NewInvalidRequestError("", msg)
	case http.StatusTooManyRequests:
		return api.NewTooManyRequestsError(msg)
	}
	if msg == "" {
		msg = fmt.Sprintf("backend server error (HTTP %d)", resp.StatusCode)
	}
	return api.NewModelError(msg)
}
