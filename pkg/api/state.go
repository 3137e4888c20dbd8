package api

import "fmt"

// SandboxState is a step in the lifecycle of one sandbox execution.
type SandboxState string

const (
	SandboxIdle      SandboxState = "idle"
	SandboxLoading   SandboxState = "loading"
	SandboxRunning   SandboxState = "running"
	SandboxCompleted SandboxState = "completed"
	SandboxTimedOut  SandboxState = "timed_out"
	SandboxFaulted   SandboxState = "faulted"
	SandboxCancelled SandboxState = "cancelled"
	SandboxUnloaded  SandboxState = "unloaded"
)

var sandboxTransitions = map[SandboxState][]SandboxState{
	SandboxIdle: {SandboxLoading},
	// A missing entry point or a rejected dependency skips running.
	SandboxLoading:   {SandboxRunning, SandboxUnloaded},
	SandboxRunning:   {SandboxCompleted, SandboxTimedOut, SandboxFaulted, SandboxCancelled},
	SandboxCompleted: {SandboxUnloaded},
	SandboxTimedOut:  {SandboxUnloaded},
	SandboxFaulted:   {SandboxUnloaded},
	SandboxCancelled: {SandboxUnloaded},
	SandboxUnloaded:  {},
}

// ValidateSandboxTransition checks whether a sandbox state transition is valid.
// Unloaded is terminal.
func ValidateSandboxTransition(from, to SandboxState) error {
	for _, s := range sandboxTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid sandbox transition from %s to %s", from, to)
}

// SandboxStateFor maps an execution outcome onto the terminal running state.
func SandboxStateFor(o Outcome) SandboxState {
	switch o {
	case OutcomeCompleted:
		return SandboxCompleted
	case OutcomeTimedOut:
		return SandboxTimedOut
	case OutcomeCancelled:
		return SandboxCancelled
	case OutcomeNoEntryPoint:
		return SandboxUnloaded
	}
	return SandboxFaulted
}

// ValidateRunTransition checks whether a run status transition is valid.
// An empty "from" status represents a run that has not started.
func ValidateRunTransition(from, to RunStatus) *APIError {
	valid := map[RunStatus][]RunStatus{
		"":                  {RunStatusGenerating, RunStatusCompiling},
		RunStatusGenerating: {RunStatusCompiling, RunStatusFailed, RunStatusCancelled},
		RunStatusCompiling:  {RunStatusExecuting, RunStatusFailed, RunStatusCancelled},
		RunStatusExecuting:  {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	}

	for _, s := range valid[from] {
		if s == to {
			return nil
		}
	}
	return NewInvalidRequestError("status",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}
