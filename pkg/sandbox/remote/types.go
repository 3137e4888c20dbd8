// Package remote executes artifacts on a sandbox server over HTTP.
//
// The server side (Server) accepts an artifact on POST /execute and hands it
// to a sandbox.Runner. In production that runner is a Subprocess, which
// runs each artifact in a child process that is killed when the execution
// timeout expires, so a runaway entry point cannot outlive its run.
package remote

import (
	"time"

	"github.com/rhuss/promptrun/pkg/api"
)

// ExecuteRequest is the request body for POST /execute on the sandbox server.
type ExecuteRequest struct {
	ArtifactID  string `json:"artifact_id"`
	Source      string `json:"source"`
	AllowUnsafe bool   `json:"allow_unsafe,omitempty"`
	TimeoutMs   int64  `json:"timeout_ms,omitempty"`
}

// ExecuteResponse is the response from POST /execute on the sandbox server.
type ExecuteResponse struct {
	Outcome    api.Outcome `json:"outcome"`
	Output     string      `json:"output"`
	Error      string      `json:"error,omitempty"`
	Truncated  bool        `json:"truncated,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// HealthResponse is the response from GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Runner      string `json:"runner"`
	Capacity    int    `json:"capacity"`
	CurrentLoad int    `json:"current_load"`
	UptimeSecs  int64  `json:"uptime_seconds"`
}

func requestFor(art *api.Artifact, timeout time.Duration) *ExecuteRequest {
	return &ExecuteRequest{
		ArtifactID:  art.ID,
		Source:      string(art.Source),
		AllowUnsafe: art.AllowUnsafe,
		TimeoutMs:   timeout.Milliseconds(),
	}
}

func (r *ExecuteRequest) artifact() *api.Artifact {
	return &api.Artifact{
		ID:          r.ArtifactID,
		Package:     "main",
		Source:      []byte(r.Source),
		AllowUnsafe: r.AllowUnsafe,
	}
}

func (r *ExecuteRequest) timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

func responseFor(res *api.ExecutionResult) *ExecuteResponse {
	return &ExecuteResponse{
		Outcome:    res.Outcome,
		Output:     res.Output,
		Error:      res.Error,
		Truncated:  res.Truncated,
		DurationMs: res.Duration.Milliseconds(),
	}
}

func (r *ExecuteResponse) result() *api.ExecutionResult {
	return &api.ExecutionResult{
		Success:   r.Outcome == api.OutcomeCompleted,
		Output:    r.Output,
		Error:     r.Error,
		Outcome:   r.Outcome,
		Truncated: r.Truncated,
		Duration:  time.Duration(r.DurationMs) * time.Millisecond,
	}
}
