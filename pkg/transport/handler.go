package transport

import (
	"context"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/generate"
)

// RunCreator executes a full prompt-to-output pipeline run. emit receives
// every progress event in order, ending with exactly one terminal event.
type RunCreator interface {
	Run(ctx context.Context, req *api.RunRequest, emit func(api.Event)) (*api.Run, error)
}

// RunCreatorFunc adapts a function to RunCreator.
type RunCreatorFunc func(ctx context.Context, req *api.RunRequest, emit func(api.Event)) (*api.Run, error)

func (f RunCreatorFunc) Run(ctx context.Context, req *api.RunRequest, emit func(api.Event)) (*api.Run, error) {
	return f(ctx, req, emit)
}

// Generator streams model output for a prompt, or runs a whole generation
// and returns the extracted program.
type Generator interface {
	Generate(ctx context.Context, req *api.GenerateRequest) (*generate.Stream, error)
	GenerateCode(ctx context.Context, req *api.GenerateRequest) (api.GenerationResult, error)
}

// Compiler checks and compiles source without running it.
type Compiler interface {
	Compile(ctx context.Context, req *api.CompileRequest) (*api.CompileResult, error)
}

// Executor compiles and runs source, or reruns a returned artifact.
type Executor interface {
	Execute(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error)
}

// Pipeline is everything the HTTP adapter serves besides stored runs.
type Pipeline interface {
	RunCreator
	Generator
	Compiler
	Executor
}
