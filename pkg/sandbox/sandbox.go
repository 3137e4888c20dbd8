// Package sandbox runs compiled artifacts in isolated execution contexts.
//
// Each run follows the lifecycle
//
//	idle -> loading -> running -> {completed|timed_out|faulted|cancelled} -> unloaded
//
// Loading builds a fresh interpreter whose symbol table holds only the
// trust set, so any other import fails closed with "dependency not found".
// Running invokes the entry point on its own goroutine, racing it against
// the execution timeout and the caller's context. Output goes to a capture
// sink owned by the run; nothing process-wide is redirected, so runs can
// proceed in parallel.
//
// A timed-out or cancelled entry point is asked to stop but is not forcibly
// preempted: it may keep running detached after the result is returned.
// Use the remote runner when hard termination is required.
//
// Only the entry point's own goroutine is guarded by recover. Unless the
// runner is Isolated, programs containing go statements, time.AfterFunc or
// context.AfterFunc are refused at load with a faulted result. Unbounded
// recursion is a fatal stack overflow in Go and cannot be caught at all;
// the in-process runner offers no protection against it, which is why the
// subprocess runner is the default.
package sandbox

import (
	"context"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
)

// DefaultTimeout is the default wall-clock limit for one execution.
const DefaultTimeout = 30 * time.Second

// DefaultMaxOutput caps the captured output of one run.
const DefaultMaxOutput = 1 << 20

// Runner executes artifacts. Expected outcomes (timeouts, faults,
// cancellation, missing entry points) are reported in the result; the
// error is reserved for failures of the runner itself.
type Runner interface {
	Name() string
	Execute(ctx context.Context, art *api.Artifact) (*api.ExecutionResult, error)
}

// TransitionFunc observes lifecycle transitions of a run.
type TransitionFunc func(artifactID string, from, to api.SandboxState)

// Config configures the in-process runner.
type Config struct {
	// Timeout bounds the entry point's wall-clock time.
	Timeout time.Duration

	// MaxConcurrent serializes runs through a gate when > 0. Capture is
	// per run, so the gate is only a resource limit.
	MaxConcurrent int

	// MaxOutput caps captured bytes per run; further output is dropped.
	MaxOutput int

	// GCAfterRun forces a garbage collection after unloading.
	GCAfterRun bool

	// Packages overrides the trusted package list.
	Packages []string

	// Isolated marks a process that exists for this one run, such as a
	// subprocess child. Only then may programs start goroutines or timer
	// callbacks, because a panic there cannot be recovered and ends the
	// process.
	Isolated bool

	// OnTransition is called for every lifecycle transition.
	OnTransition TransitionFunc
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = DefaultMaxOutput
	}
	return c
}
