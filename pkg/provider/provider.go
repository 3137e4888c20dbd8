package provider

import "context"

// Provider is one inference backend. Implementations are shared by
// concurrent generations.
type Provider interface {
	Name() string
	Capabilities() ProviderCapabilities

	// Complete returns the whole reply at once. Generation uses it when
	// Capabilities reports no streaming.
	Complete(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)

	// Stream sends events in backend order and closes the channel after
	// the done or error event, or when ctx ends.
	Stream(ctx context.Context, req *ProviderRequest) (<-chan ProviderEvent, error)

	ListModels(ctx context.Context) ([]ModelInfo, error)
	Close() error
}

// ProviderCapabilities describes a backend. An empty SupportedModels
// leaves model checks to the backend.
type ProviderCapabilities struct {
	Streaming       bool
	SupportedModels []string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ProviderMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderRequest carries one prompt. Nil sampling fields use the backend
// default.
type ProviderRequest struct {
	Model       string            `json:"model"`
	Messages    []ProviderMessage `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

// NewChatRequest builds a request from an optional system prompt and the
// user prompt.
func NewChatRequest(model, system, prompt string) *ProviderRequest {
	msgs := make([]ProviderMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, ProviderMessage{Role: RoleSystem, Content: system})
	}
	msgs = append(msgs, ProviderMessage{Role: RoleUser, Content: prompt})
	return &ProviderRequest{Model: model, Messages: msgs}
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type ProviderResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

type ProviderEventType int

const (
	ProviderEventTextDelta ProviderEventType = iota
	ProviderEventDone
	ProviderEventError
)

// ProviderEvent is one stream event. Delta is set on text deltas,
// FinishReason and Usage on done when the backend reports them, Err on
// error.
type ProviderEvent struct {
	Type         ProviderEventType
	Delta        string
	FinishReason string
	Usage        *Usage
	Err          error
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}
