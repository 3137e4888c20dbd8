package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/provider"
)

// Name is the provider identifier.
const Name = "openai"

const chatPath = "/v1/chat/completions"

// Config configures a Chat Completions backend.
type Config struct {
	// BaseURL is the backend root, without the /v1 suffix.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds non-streaming requests. Streams are bounded by ctx.
	Timeout time.Duration

	// Models restricts which models may be requested. Empty allows any.
	Models []string
}

// Client talks to one OpenAI-compatible backend.
type Client struct {
	base   string
	apiKey string
	models []string

	// calls carries the request timeout; streams share its transport but
	// not the timeout.
	calls   *http.Client
	streams *http.Client
}

var _ provider.Provider = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		calls:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		streams: &http.Client{Transport: transport},
	}, nil
}

func (c *Client) Name() string { return Name }

func (c *Client) Capabilities() provider.ProviderCapabilities {
	return provider.ProviderCapabilities{Streaming: true, SupportedModels: c.models}
}

// do sends one request and returns the response when it is 2xx. Any other
// status is closed and mapped through statusError.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path, model string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, api.NewServerError("failed to marshal request: " + err.Error())
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return nil, api.NewServerError("failed to create HTTP request: " + err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if hc == c.streams {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, statusError(resp, model)
	}
	return resp, nil
}

// Complete asks for the whole reply in one response.
func (c *Client) Complete(ctx context.Context, req *provider.ProviderRequest) (*provider.ProviderResponse, error) {
	resp, err := c.do(ctx, c.calls, http.MethodPost, chatPath, req.Model, chatRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, api.NewServerError("failed to parse backend response: " + err.Error())
	}
	return out.providerResponse(), nil
}

// Stream opens an SSE stream. Errors before the first byte are returned
// directly; later ones arrive as an error event.
func (c *Client) Stream(ctx context.Context, req *provider.ProviderRequest) (<-chan provider.ProviderEvent, error) {
	resp, err := c.do(ctx, c.streams, http.MethodPost, chatPath, req.Model, chatRequest(req, true))
	if err != nil {
		return nil, err
	}
	debug.LogContext(ctx, "providers", "stream opened", "provider", Name, "model", req.Model)

	ch := make(chan provider.ProviderEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		ParseSSEStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// ListModels queries /v1/models.
func (c *Client) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	resp, err := c.do(ctx, c.calls, http.MethodGet, "/v1/models", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, api.NewServerError("failed to parse models response: " + err.Error())
	}
	models := make([]provider.ModelInfo, len(list.Data))
	for i, m := range list.Data {
		models[i] = provider.ModelInfo{ID: m.ID, Object: m.Object, OwnedBy: m.OwnedBy}
	}
	return models, nil
}

func (c *Client) Close() error {
	c.calls.CloseIdleConnections()
	return nil
}
