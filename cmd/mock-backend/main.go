// Command mock-backend runs a deterministic model backend for end-to-end
// testing of promptrun without a real LLM. It speaks both the Ollama
// (/api/chat, NDJSON) and OpenAI Chat Completions (/v1/chat/completions,
// SSE) protocols and answers every prompt with a fenced Go program chosen
// by keywords in the last user message.
//
// Configuration:
//
//	MOCK_PORT  - Listen port (default: 9090)
//	MOCK_DELAY - Pause between streamed chunks (default: 0)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rhuss/promptrun/pkg/provider/ollama"
	"github.com/rhuss/promptrun/pkg/provider/openaicompat"
)

const mockModel = "mock-coder"

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}
	var delay time.Duration
	if v := os.Getenv("MOCK_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid MOCK_DELAY", "error", err)
			os.Exit(1)
		}
		delay = d
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newMux(delay),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port, "delay", delay)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func newMux(delay time.Duration) *http.ServeMux {
	b := &backend{delay: delay}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", b.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", b.handleModels)
	mux.HandleFunc("POST /api/chat", b.handleOllamaChat)
	mux.HandleFunc("GET /api/tags", b.handleOllamaTags)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

type backend struct {
	delay time.Duration
}

// --- Scenarios ---

const (
	helloProgram  = "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"Hello, nice day!\")\n}\n"
	countProgram  = "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfor i := 1; i <= 5; i++ {\n\t\tfmt.Println(i)\n\t}\n}\n"
	brokenProgram = "package main\n\nfunc main() {\n\tfmt.Println(\"missing import\"\n}\n"
	loopProgram   = "package main\n\nfunc main() {\n\tfor {\n\t}\n}\n"
	panicProgram  = "package main\n\nfunc main() {\n\tpanic(\"mock panic\")\n}\n"
	noMainProgram = "package main\n\nfunc helper() int {\n\treturn 42\n}\n"
)

var scenarios = []struct {
	keyword string
	program string
}{
	{"count from 1 to 5", countProgram},
	{"syntax error", brokenProgram},
	{"loop forever", loopProgram},
	{"panic", panicProgram},
	{"no main", noMainProgram},
}

// reply returns the fenced answer for prompt.
func reply(prompt string) string {
	program := helloProgram
	lower := strings.ToLower(prompt)
	for _, s := range scenarios {
		if strings.Contains(lower, s.keyword) {
			program = s.program
			break
		}
	}
	return "Here is the program:\n\n```go\n" + program + "```\n"
}

// chunks splits text into line-sized pieces for streaming.
func chunks(text string) []string {
	parts := strings.SplitAfter(text, "\n")
	if n := len(parts); n > 0 && parts[n-1] == "" {
		parts = parts[:n-1]
	}
	return parts
}

func (b *backend) pause(ctx context.Context) bool {
	if b.delay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(b.delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// --- OpenAI Chat Completions ---

func (b *backend) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaicompat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"invalid request","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}
	model := req.Model
	if model == "" {
		model = mockModel
	}
	text := reply(lastUserMessage(req.Messages))

	if !req.Stream {
		resp := openaicompat.Response{
			ID:     "chatcmpl-mock",
			Object: "chat.completion",
			Model:  model,
			Choices: []openaicompat.Choice{{
				Message:      openaicompat.Message{Role: "assistant", Content: text},
				FinishReason: "stop",
			}},
			Usage: &openaicompat.Usage{PromptTokens: 10, CompletionTokens: len(chunks(text)), TotalTokens: 10 + len(chunks(text))},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	write := func(chunk openaicompat.Chunk) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		rc.Flush()
	}
	newChunk := func(delta openaicompat.Delta, finish *string) openaicompat.Chunk {
		return openaicompat.Chunk{
			ID:      "chatcmpl-mock-stream",
			Object:  "chat.completion.chunk",
			Model:   model,
			Choices: []openaicompat.ChunkChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	write(newChunk(openaicompat.Delta{Role: "assistant"}, nil))
	parts := chunks(text)
	for _, part := range parts {
		if !b.pause(r.Context()) {
			return
		}
		write(newChunk(openaicompat.Delta{Content: &part}, nil))
	}
	stop := "stop"
	final := newChunk(openaicompat.Delta{}, &stop)
	final.Usage = &openaicompat.Usage{PromptTokens: 10, CompletionTokens: len(parts), TotalTokens: 10 + len(parts)}
	write(final)
	fmt.Fprint(w, "data: [DONE]\n\n")
	rc.Flush()
}

func (b *backend) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := openaicompat.ModelList{
		Object: "list",
		Data:   []openaicompat.Model{{ID: mockModel, Object: "model", OwnedBy: "promptrun-mock"}},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Ollama ---

func (b *backend) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	var req ollama.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ollama.ErrorResponse{Error: "invalid request"})
		return
	}
	model := req.Model
	if model == "" {
		model = mockModel
	}
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = req.Messages[i].Content
			break
		}
	}
	text := reply(prompt)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ollama.ChatResponse{
			Model:      model,
			CreatedAt:  now,
			Message:    ollama.ChatMessage{Role: "assistant", Content: text},
			Done:       true,
			DoneReason: "stop",
			EvalCount:  len(chunks(text)),
		})
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	parts := chunks(text)
	for _, part := range parts {
		if !b.pause(r.Context()) {
			return
		}
		enc.Encode(ollama.ChatResponse{Model: model, CreatedAt: now, Message: ollama.ChatMessage{Role: "assistant", Content: part}})
		rc.Flush()
	}
	enc.Encode(ollama.ChatResponse{
		Model:           model,
		CreatedAt:       now,
		Message:         ollama.ChatMessage{Role: "assistant"},
		Done:            true,
		DoneReason:      "stop",
		PromptEvalCount: 10,
		EvalCount:       len(parts),
	})
	rc.Flush()
}

func (b *backend) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ollama.TagsResponse{Models: []ollama.Model{{Name: mockModel, Model: mockModel}}})
}

func lastUserMessage(msgs []openaicompat.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
