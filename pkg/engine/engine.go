package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/generate"
	"github.com/rhuss/promptrun/pkg/sandbox"
	"github.com/rhuss/promptrun/pkg/storage"
)

var tracer = otel.Tracer("github.com/rhuss/promptrun/pkg/engine")

// ErrNoGenerator is returned by generation entry points on an engine built
// without a model backend.
var ErrNoGenerator = errors.New("engine: no generator configured")

// Compiler turns source text into an artifact or diagnostics.
type Compiler interface {
	Compile(ctx context.Context, source string, opts api.CompileOptions) *api.CompileResult
}

// Engine orchestrates the pipeline stages.
type Engine struct {
	gen      *generate.Generator
	compiler Compiler
	runner   sandbox.Runner
	store    storage.RunStore
	cfg      Config
	now      func() time.Time
}

// New creates an Engine. The compiler and runner are required. gen may be
// nil for deployments that only compile and execute, and store may be nil
// for stateless operation.
func New(gen *generate.Generator, c Compiler, r sandbox.Runner, store storage.RunStore, cfg Config) (*Engine, error) {
	if c == nil {
		return nil, errors.New("engine: compiler must not be nil")
	}
	if r == nil {
		return nil, errors.New("engine: runner must not be nil")
	}
	return &Engine{gen: gen, compiler: c, runner: r, store: store, cfg: cfg, now: time.Now}, nil
}

// Store returns the run store, or nil.
func (e *Engine) Store() storage.RunStore { return e.store }

// Runner returns the sandbox runner.
func (e *Engine) Runner() sandbox.Runner { return e.runner }

// Generate starts a generation for req.
func (e *Engine) Generate(ctx context.Context, req *api.GenerateRequest) (*generate.Stream, error) {
	if apiErr := api.ValidateGenerateRequest(req, e.cfg.Validation); apiErr != nil {
		return nil, apiErr
	}
	if e.gen == nil {
		return nil, ErrNoGenerator
	}
	return e.gen.Generate(ctx, req.Prompt, generate.WithModel(req.Model))
}

// GenerateCode runs a whole generation and extracts the program.
func (e *Engine) GenerateCode(ctx context.Context, req *api.GenerateRequest) (api.GenerationResult, error) {
	if apiErr := api.ValidateGenerateRequest(req, e.cfg.Validation); apiErr != nil {
		return api.GenerationResult{}, apiErr
	}
	if e.gen == nil {
		return api.GenerationResult{}, ErrNoGenerator
	}
	return e.gen.Code(ctx, req.Prompt, generate.WithModel(req.Model)), nil
}

// Compile compiles req.Source. Compile errors are reported in the result.
func (e *Engine) Compile(ctx context.Context, req *api.CompileRequest) (*api.CompileResult, error) {
	if apiErr := api.ValidateCompileRequest(req, e.cfg.Validation); apiErr != nil {
		return nil, apiErr
	}
	return e.compiler.Compile(ctx, req.Source, api.CompileOptions{AllowUnsafe: e.cfg.allowUnsafe(req.AllowUnsafe)}), nil
}

// Execute compiles and runs the request's source. A supplied artifact is
// compiled again from its source so the trust set is always enforced by
// this engine. The error is reserved for runner failures; timeouts, faults
// and compile errors are reported in the response.
func (e *Engine) Execute(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error) {
	if apiErr := api.ValidateExecuteRequest(req, e.cfg.Validation); apiErr != nil {
		return nil, apiErr
	}
	src, allow := req.Source, req.AllowUnsafe
	if req.Artifact != nil {
		src, allow = string(req.Artifact.Source), req.AllowUnsafe || req.Artifact.AllowUnsafe
	}

	cr := e.compiler.Compile(ctx, src, api.CompileOptions{AllowUnsafe: e.cfg.allowUnsafe(allow)})
	resp := &api.ExecuteResponse{Compile: cr}
	if !cr.Success {
		return resp, nil
	}

	res, err := e.runner.Execute(ctx, cr.Artifact)
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", e.runner.Name(), err)
	}
	resp.Result = res
	return resp, nil
}
