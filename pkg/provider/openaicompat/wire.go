package openaicompat

import "github.com/rhuss/promptrun/pkg/provider"

// Wire types for /v1/chat/completions and /v1/models. Only the text fields
// code generation reads are modelled; tool calls and multi-part content are
// dropped by the decoder.

type Request struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	N           int           `json:"n"`
	Stream      bool          `json:"stream"`
	StreamUsage *UsageRequest `json:"stream_options,omitempty"`
}

// UsageRequest asks a streaming backend to report token counts in a final
// chunk.
type UsageRequest struct {
	IncludeUsage bool `json:"include_usage"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is the payload of one SSE data line.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental part of a chunk. Content is nil on role-only
// and finish chunks.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// chatRequest builds the wire request. A stream always asks for usage.
func chatRequest(req *provider.ProviderRequest, stream bool) Request {
	out := Request{
		Model:       req.Model,
		Messages:    make([]Message, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		N:           1,
		Stream:      stream,
	}
	if stream {
		out.StreamUsage = &UsageRequest{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// providerResponse reads the first choice; further choices are ignored
// because requests ask for one.
func (r *Response) providerResponse() *provider.ProviderResponse {
	out := &provider.ProviderResponse{Model: r.Model}
	if r.Usage != nil {
		out.Usage = r.Usage.counts()
	}
	if len(r.Choices) > 0 {
		out.Text = r.Choices[0].Message.Content
		out.FinishReason = r.Choices[0].FinishReason
	}
	return out
}

func (u *Usage) counts() provider.Usage {
	return provider.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}
