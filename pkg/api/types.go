package api

import (
	"fmt"
	"strings"
	"time"
)

// GenerationChunk is one ordered fragment of model output.
type GenerationChunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// GenerationResult is the accumulated outcome of one generation call.
// On cancellation Code holds the prefix received before the stop.
type GenerationResult struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error,omitempty"`
}

// Severity is the severity of a compiler diagnostic. Only errors and
// warnings are ever reported.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Position is a 1-based source location.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Diagnostic is a compiler-reported issue.
type Diagnostic struct {
	Severity Severity  `json:"severity"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message"`
	File     string    `json:"file,omitempty"`
	Position *Position `json:"position,omitempty"`
}

// String renders the diagnostic as "file(line,column): severity code: message".
// The "(line,column)" part is present whenever the position is known.
func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.File)
	if d.Position != nil {
		fmt.Fprintf(&b, "(%d,%d)", d.Position.Line, d.Position.Column)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(string(d.Severity))
	if d.Code != "" {
		b.WriteString(" ")
		b.WriteString(d.Code)
	}
	b.WriteString(": ")
	b.WriteString(d.Message)
	return b.String()
}

// Artifact is a compiled, directly executable payload. Each compile produces
// an artifact with a fresh ID even for byte-identical source.
type Artifact struct {
	ID          string    `json:"id"`
	Package     string    `json:"package"`
	Source      []byte    `json:"source"`
	Imports     []string  `json:"imports,omitempty"`
	AllowUnsafe bool      `json:"allow_unsafe,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CompileOptions configures a single compilation.
type CompileOptions struct {
	AllowUnsafe bool          `json:"allow_unsafe"`
	TimeoutHint time.Duration `json:"timeout_hint,omitempty"`
}

// CompileResult is the outcome of compiling source text. Artifact is
// non-nil exactly when Success is true.
type CompileResult struct {
	Success     bool         `json:"success"`
	Artifact    *Artifact    `json:"artifact,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Messages returns the diagnostics as display strings, in order.
func (r *CompileResult) Messages() []string {
	out := make([]string, len(r.Diagnostics))
	for i, d := range r.Diagnostics {
		out[i] = d.String()
	}
	return out
}

// HasErrors reports whether any error-severity diagnostic is present.
func (r *CompileResult) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Outcome is the terminal state of one sandbox execution.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeTimedOut     Outcome = "timed_out"
	OutcomeFaulted      Outcome = "faulted"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeNoEntryPoint Outcome = "no_entry_point"
)

// Messages used in execution results.
const (
	MessageTimedOut     = "Execution timed out."
	MessageCancelled    = "Cancelled"
	MessageNoEntryPoint = "No entry point found."
)

// ExecutionResult is the outcome of running an artifact. Either Success is
// true and Error is empty, or Success is false and Error explains why.
// Output may be non-empty on failure.
type ExecutionResult struct {
	Success bool    `json:"success"`
	Output  string  `json:"output"`
	Error   string  `json:"error,omitempty"`
	Outcome Outcome `json:"outcome"`

	// Truncated is set when the program wrote more than the output cap.
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Kind maps the outcome onto the pipeline error taxonomy. Completed runs
// return "".
func (r *ExecutionResult) Kind() Kind {
	switch r.Outcome {
	case OutcomeTimedOut:
		return KindExecutionTimeout
	case OutcomeFaulted:
		return KindExecutionFault
	case OutcomeCancelled:
		return KindExecutionCancelled
	case OutcomeNoEntryPoint:
		return KindNoEntryPoint
	}
	return ""
}

// Completed builds a successful result.
func Completed(output string, d time.Duration) *ExecutionResult {
	return &ExecutionResult{Success: true, Output: output, Outcome: OutcomeCompleted, Duration: d}
}

// Failed builds an unsuccessful result.
func Failed(outcome Outcome, output, message string, d time.Duration) *ExecutionResult {
	return &ExecutionResult{Outcome: outcome, Output: output, Error: message, Duration: d}
}

// RunStatus tracks the lifecycle of a persisted pipeline run.
type RunStatus string

const (
	RunStatusGenerating RunStatus = "generating"
	RunStatusCompiling  RunStatus = "compiling"
	RunStatusExecuting  RunStatus = "executing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Run is the persisted record of one prompt-to-execution pipeline.
type Run struct {
	ID          string           `json:"id"`
	Object      string           `json:"object"`
	Status      RunStatus        `json:"status"`
	Prompt      string           `json:"prompt"`
	Model       string           `json:"model,omitempty"`
	Generated   string           `json:"generated,omitempty"`
	Source      string           `json:"source,omitempty"`
	ArtifactID  string           `json:"artifact_id,omitempty"`
	Diagnostics []Diagnostic     `json:"diagnostics,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	ErrorKind   Kind             `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   int64            `json:"created_at"`
	CompletedAt int64            `json:"completed_at,omitempty"`
}

// RunRequest asks for a full pipeline run.
type RunRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
	AllowUnsafe bool   `json:"allow_unsafe,omitempty"`
	Stream      bool   `json:"stream,omitempty"`
	Store       *bool  `json:"store,omitempty"`
}

// GenerateRequest asks for generation only.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Stream bool   `json:"stream,omitempty"`
}

// CompileRequest asks for compilation only.
type CompileRequest struct {
	Source      string `json:"source"`
	AllowUnsafe bool   `json:"allow_unsafe,omitempty"`
}

// ExecuteRequest asks to compile and run source, or to run a previously
// returned artifact.
type ExecuteRequest struct {
	Source      string    `json:"source,omitempty"`
	Artifact    *Artifact `json:"artifact,omitempty"`
	AllowUnsafe bool      `json:"allow_unsafe,omitempty"`
}

// ExecuteResponse is the body returned for ExecuteRequest.
type ExecuteResponse struct {
	Compile *CompileResult   `json:"compile,omitempty"`
	Result  *ExecutionResult `json:"result,omitempty"`
}

// RunList is a page of runs.
type RunList struct {
	Object  string `json:"object"`
	Data    []*Run `json:"data"`
	HasMore bool   `json:"has_more"`
	FirstID string `json:"first_id,omitempty"`
	LastID  string `json:"last_id,omitempty"`
}
