// Package mcpserver exposes the pipeline as Model Context Protocol tools
// so agents can extract, compile and run Go programs.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/extract"
)

// Pipeline is the subset of the engine the tools call.
type Pipeline interface {
	Run(ctx context.Context, req *api.RunRequest, emit func(api.Event)) (*api.Run, error)
	Compile(ctx context.Context, req *api.CompileRequest) (*api.CompileResult, error)
	Execute(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error)
}

// ExtractInput is the extract_source argument.
type ExtractInput struct {
	Text string `json:"text" jsonschema:"model reply that may contain fenced code blocks"`
}

// ExtractOutput is the extract_source result.
type ExtractOutput struct {
	Source string `json:"source"`
}

// CompileInput is the compile_go argument.
type CompileInput struct {
	Source string `json:"source" jsonschema:"Go source of a main package"`
}

// CompileOutput is the compile_go result.
type CompileOutput struct {
	Success     bool     `json:"success"`
	ArtifactID  string   `json:"artifact_id,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// ExecuteInput is the execute_go argument.
type ExecuteInput struct {
	Source string `json:"source" jsonschema:"Go source of a main package"`
}

// ExecuteOutput is the execute_go result.
type ExecuteOutput struct {
	Compiled    bool     `json:"compiled"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	Success     bool     `json:"success"`
	Outcome     string   `json:"outcome,omitempty"`
	Output      string   `json:"output"`
	Error       string   `json:"error,omitempty"`
}

// RunInput is the run_prompt argument.
type RunInput struct {
	Prompt string `json:"prompt" jsonschema:"description of the program to write and run"`
	Model  string `json:"model,omitempty" jsonschema:"model override"`
}

// RunOutput is the run_prompt result.
type RunOutput struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Source    string `json:"source,omitempty"`
	Output    string `json:"output,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Server wraps an MCP server bound to a Pipeline.
type Server struct {
	mcp      *mcp.Server
	pipeline Pipeline
}

// New registers the tools on a fresh MCP server.
func New(p Pipeline, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: "promptrun", Version: version}, nil),
		pipeline: p,
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "extract_source",
		Description: "Extracts Go source from a model reply, stripping markdown fences and language tags",
	}, s.extractSource)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "compile_go",
		Description: "Compiles a Go main package and reports diagnostics without running it",
	}, s.compileGo)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "execute_go",
		Description: "Compiles and runs a Go main package in the sandbox and returns its output",
	}, s.executeGo)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "run_prompt",
		Description: "Generates a Go program from a prompt, then compiles and runs it",
	}, s.runPrompt)
	return s
}

// MCP returns the underlying server, for Run on a custom transport.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Handler serves the tools over the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

func (s *Server) extractSource(_ context.Context, _ *mcp.CallToolRequest, in ExtractInput) (*mcp.CallToolResult, ExtractOutput, error) {
	out := ExtractOutput{Source: extract.Extract(in.Text)}
	return textResult(out.Source), out, nil
}

func (s *Server) compileGo(ctx context.Context, _ *mcp.CallToolRequest, in CompileInput) (*mcp.CallToolResult, CompileOutput, error) {
	debug.LogContext(ctx, "mcp", "tool call", "tool", "compile_go", "bytes", len(in.Source))
	res, err := s.pipeline.Compile(ctx, &api.CompileRequest{Source: in.Source})
	if err != nil {
		return errorResult(err), CompileOutput{}, nil
	}
	out := CompileOutput{Success: res.Success, Diagnostics: res.Messages()}
	if res.Artifact != nil {
		out.ArtifactID = res.Artifact.ID
	}
	return jsonResult(out), out, nil
}

func (s *Server) executeGo(ctx context.Context, _ *mcp.CallToolRequest, in ExecuteInput) (*mcp.CallToolResult, ExecuteOutput, error) {
	debug.LogContext(ctx, "mcp", "tool call", "tool", "execute_go", "bytes", len(in.Source))
	resp, err := s.pipeline.Execute(ctx, &api.ExecuteRequest{Source: in.Source})
	if err != nil {
		return errorResult(err), ExecuteOutput{}, nil
	}
	var out ExecuteOutput
	if resp.Compile != nil {
		out.Compiled = resp.Compile.Success
		out.Diagnostics = resp.Compile.Messages()
	}
	if r := resp.Result; r != nil {
		out.Success = r.Success
		out.Outcome = string(r.Outcome)
		out.Output = r.Output
		out.Error = r.Error
	}
	result := jsonResult(out)
	result.IsError = !out.Success
	return result, out, nil
}

func (s *Server) runPrompt(ctx context.Context, _ *mcp.CallToolRequest, in RunInput) (*mcp.CallToolResult, RunOutput, error) {
	debug.LogContext(ctx, "mcp", "tool call", "tool", "run_prompt", "model", in.Model)
	run, err := s.pipeline.Run(ctx, &api.RunRequest{Prompt: in.Prompt, Model: in.Model}, nil)
	if run == nil {
		return errorResult(err), RunOutput{}, nil
	}
	out := RunOutput{
		RunID:     run.ID,
		Status:    string(run.Status),
		Source:    run.Source,
		ErrorKind: string(run.ErrorKind),
		Error:     run.Error,
	}
	if run.Result != nil {
		out.Output = run.Result.Output
	}
	result := jsonResult(out)
	result.IsError = run.Status != api.RunStatusCompleted
	return result, out, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return textResult(string(data))
}

func errorResult(err error) *mcp.CallToolResult {
	msg := "unknown error"
	if err != nil {
		msg = api.ToAPIError(err).Message
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error: %s", msg)}},
		IsError: true,
	}
}
