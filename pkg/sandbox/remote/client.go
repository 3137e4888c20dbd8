package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrAtCapacity means the sandbox server answered 429.
var ErrAtCapacity = errors.New("sandbox at capacity")

// Client talks to a sandbox server. Its HTTP timeout only catches a hung
// server; run timeouts are enforced on the server side.
type Client struct {
	hc *http.Client
}

func NewClient() *Client {
	return &Client{hc: &http.Client{Timeout: 5 * time.Minute}}
}

// Execute posts req to baseURL/execute. A 2xx reply without an outcome is
// treated as malformed.
func (c *Client) Execute(ctx context.Context, baseURL string, req *ExecuteRequest) (*ExecuteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding execute request: %w", err)
	}
	var out ExecuteResponse
	if err := c.call(ctx, http.MethodPost, endpoint(baseURL, "execute"), payload, &out); err != nil {
		return nil, err
	}
	if out.Outcome == "" {
		return nil, errors.New("sandbox reply has no outcome")
	}
	return &out, nil
}

// Health reads baseURL/health.
func (c *Client) Health(ctx context.Context, baseURL string) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.call(ctx, http.MethodGet, endpoint(baseURL, "health"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, url string, payload []byte, into any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("building sandbox request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("calling sandbox: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading sandbox reply: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrAtCapacity
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox %s %s: HTTP %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decoding sandbox reply: %w", err)
	}
	return nil
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}
