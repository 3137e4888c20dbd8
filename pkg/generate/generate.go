// Package generate turns a prompt into a stream of model output chunks.
//
// A Stream is lazy, finite and not restartable. Chunks arrive in the order
// the backend emitted them; nothing is re-ordered or de-duplicated. The
// whole generation is bounded by a timeout, and both caller cancellation
// and timer expiry end the stream with a cancellation-class error that is
// distinct from a backend failure.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/extract"
	"github.com/rhuss/promptrun/pkg/observability"
	"github.com/rhuss/promptrun/pkg/provider"
)

var tracer = otel.Tracer("github.com/rhuss/promptrun/pkg/generate")

// DefaultTimeout bounds one generation call.
const DefaultTimeout = 120 * time.Second

// SystemPrompt instructs the model to answer with a bare Go program.
const SystemPrompt = `You are a Go code generator. Return only compilable Go code.
- Use package main and include a func main() entry point.
- Use only the Go standard library.
- Do not include markdown fences or explanations.`

// ErrTimeout marks a generation stopped by its timer rather than the caller.
var ErrTimeout = errors.New("generation timed out")

// Config configures a Generator.
type Config struct {
	// Model is used when a request names none.
	Model string

	// SystemPrompt overrides the default system prompt.
	SystemPrompt string

	Timeout time.Duration

	// Temperature and MaxTokens are passed to the backend when set.
	Temperature *float64
	MaxTokens   int
}

// Generator produces code from prompts through a provider.
type Generator struct {
	prov    provider.Provider
	model   string
	system  string
	timeout time.Duration
	temp    *float64
	maxTok  int
}

// New creates a Generator.
func New(prov provider.Provider, cfg Config) (*Generator, error) {
	if prov == nil {
		return nil, errors.New("generate: provider is required")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Generator{
		prov:    prov,
		model:   cfg.Model,
		system:  cfg.SystemPrompt,
		timeout: cfg.Timeout,
		temp:    cfg.Temperature,
		maxTok:  cfg.MaxTokens,
	}, nil
}

// Model returns the default model.
func (g *Generator) Model() string { return g.model }

// Provider returns the backend name.
func (g *Generator) Provider() string { return g.prov.Name() }

// Stream is one in-flight generation.
type Stream struct {
	chunks chan api.GenerationChunk
	model  string

	mu    sync.Mutex
	err   error
	usage *provider.Usage
	stop  context.CancelFunc
}

// Chunks returns the chunk channel. It is closed when the generation ends.
func (s *Stream) Chunks() <-chan api.GenerationChunk { return s.chunks }

// Err reports why the stream ended. It is only meaningful after Chunks is
// closed; nil means the backend finished normally.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Usage returns the token counts the backend reported, if any.
func (s *Stream) Usage() *provider.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Model returns the model serving the stream.
func (s *Stream) Model() string { return s.model }

// Close abandons the stream. Pending chunks are dropped and Err reports a
// cancellation.
func (s *Stream) Close() { s.stop() }

// Option adjusts a single generation.
type Option func(*options)

type options struct {
	model string
}

// WithModel selects the model for one generation. Empty keeps the default.
func WithModel(model string) Option {
	return func(o *options) {
		if model != "" {
			o.model = model
		}
	}
}

// Generate starts a generation for prompt. Errors returned here happen
// before any chunk was produced; later errors surface through Stream.Err.
func (g *Generator) Generate(ctx context.Context, prompt string, opts ...Option) (*Stream, error) {
	o := options{model: g.model}
	for _, opt := range opts {
		opt(&o)
	}
	model := o.model
	if apiErr := provider.ValidateModel(g.prov.Capabilities(), model); apiErr != nil {
		return nil, api.NewGenerationFailure(apiErr.Message, apiErr)
	}

	ctx, span := tracer.Start(ctx, "generate.Generate", trace.WithAttributes(
		attribute.String("provider", g.prov.Name()),
		attribute.String("model", model),
	))
	genCtx, cancel := context.WithTimeoutCause(ctx, g.timeout, ErrTimeout)

	start := time.Now()
	events, err := g.open(genCtx, g.request(model, prompt))
	if err != nil {
		err = classify(ctx, genCtx, err)
		cancel()
		g.finish(span, model, 0, start, err)
		return nil, err
	}

	s := &Stream{chunks: make(chan api.GenerationChunk), model: model, stop: cancel}
	go func() {
		defer cancel()
		n, err := g.pump(ctx, genCtx, events, s)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		g.finish(span, model, n, start, err)
		close(s.chunks)
	}()
	return s, nil
}

func (g *Generator) request(model, prompt string) *provider.ProviderRequest {
	req := provider.NewChatRequest(model, g.system, prompt)
	req.Temperature = g.temp
	if g.maxTok > 0 {
		n := g.maxTok
		req.MaxTokens = &n
	}
	return req
}

// open starts the backend call. Backends without streaming are asked for
// the whole reply, which then arrives as a single chunk.
func (g *Generator) open(ctx context.Context, req *provider.ProviderRequest) (<-chan provider.ProviderEvent, error) {
	if g.prov.Capabilities().Streaming {
		return g.prov.Stream(ctx, req)
	}
	req.Stream = false
	events := make(chan provider.ProviderEvent, 2)
	go func() {
		defer close(events)
		resp, err := g.prov.Complete(ctx, req)
		if err != nil {
			events <- provider.ProviderEvent{Type: provider.ProviderEventError, Err: err}
			return
		}
		if resp.Text != "" {
			events <- provider.ProviderEvent{Type: provider.ProviderEventTextDelta, Delta: resp.Text}
		}
		usage := resp.Usage
		events <- provider.ProviderEvent{Type: provider.ProviderEventDone, Usage: &usage}
	}()
	return events, nil
}

// pump forwards provider events as numbered chunks until the provider is
// done, fails, or genCtx ends.
func (g *Generator) pump(ctx, genCtx context.Context, events <-chan provider.ProviderEvent, s *Stream) (int, error) {
	n := 0
	for {
		select {
		case <-genCtx.Done():
			return n, classify(ctx, genCtx, genCtx.Err())
		case ev, ok := <-events:
			if !ok {
				if genCtx.Err() != nil {
					return n, classify(ctx, genCtx, genCtx.Err())
				}
				return n, api.NewGenerationFailure("stream closed without completion", nil)
			}
			switch ev.Type {
			case provider.ProviderEventTextDelta:
				if ev.Delta == "" {
					continue
				}
				select {
				case s.chunks <- api.GenerationChunk{Index: n, Text: ev.Delta}:
					n++
				case <-genCtx.Done():
					return n, classify(ctx, genCtx, genCtx.Err())
				}
			case provider.ProviderEventDone:
				s.mu.Lock()
				s.usage = ev.Usage
				s.mu.Unlock()
				return n, nil
			case provider.ProviderEventError:
				return n, classify(ctx, genCtx, ev.Err)
			}
		}
	}
}

// classify maps err onto the generation taxonomy. Caller cancellation and
// timer expiry are both cancellations; the timer case keeps ErrTimeout and
// context.DeadlineExceeded in its chain.
func classify(parent, genCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return api.NewGenerationCancelled(parent.Err())
	case genCtx.Err() != nil && errors.Is(context.Cause(genCtx), ErrTimeout):
		return api.NewGenerationCancelled(fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded))
	case genCtx.Err() != nil:
		return api.NewGenerationCancelled(genCtx.Err())
	}
	var pe *api.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	return api.NewGenerationFailure(failureMessage(err), err)
}

func failureMessage(err error) string {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "generation failed"
}

func (g *Generator) finish(span trace.Span, model string, chunks int, start time.Time, err error) {
	defer span.End()
	status := "completed"
	switch {
	case api.IsCancelled(err):
		status = "cancelled"
	case err != nil:
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	timedOut := IsTimeout(err)
	span.SetAttributes(attribute.Int("chunks", chunks), attribute.String("status", status), attribute.Bool("timed_out", timedOut))
	observability.RecordGeneration(g.prov.Name(), model, status, chunks, time.Since(start))
	debug.Log("providers", "generation finished", "model", model, "chunks", chunks, "status", status, "timed_out", timedOut)
}

// IsTimeout reports whether err is a generation stopped by its timer.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Collect drains s and returns the text in arrival order. On cancellation
// the prefix received so far is returned together with the error.
func Collect(s *Stream) (string, error) {
	var b strings.Builder
	for c := range s.Chunks() {
		b.WriteString(c.Text)
	}
	return b.String(), s.Err()
}

// Code runs a whole generation and extracts the program from the reply.
func (g *Generator) Code(ctx context.Context, prompt string, opts ...Option) api.GenerationResult {
	s, err := g.Generate(ctx, prompt, opts...)
	if err != nil {
		return resultFor("", err)
	}
	text, err := Collect(s)
	return resultFor(text, err)
}

func resultFor(text string, err error) api.GenerationResult {
	switch {
	case err == nil:
		return api.GenerationResult{Success: true, Code: extract.Extract(text)}
	case api.IsCancelled(err):
		return api.GenerationResult{Code: text, Error: api.MessageCancelled}
	}
	return api.GenerationResult{Code: text, Error: err.Error()}
}
