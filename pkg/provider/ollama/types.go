package ollama

// ChatRequest is the request body for POST /api/chat.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	Options   *Options      `json:"options,omitempty"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

// ChatMessage is one message in the Ollama chat format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries sampling parameters.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ChatResponse is one NDJSON line of a streaming response, or the whole
// body of a non-streaming one.
type ChatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       string      `json:"created_at"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// TagsResponse is the response from GET /api/tags.
type TagsResponse struct {
	Models []Model `json:"models"`
}

// Model is one locally available model.
type Model struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Size  int64  `json:"size"`
}

// ErrorResponse is the error body Ollama returns with non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}
