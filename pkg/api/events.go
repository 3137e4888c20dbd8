package api

// EventType identifies a pipeline progress event.
type EventType string

// Generation events carry model output as it arrives.
const (
	EventGenerationDelta EventType = "generation.delta"
	EventGenerationDone  EventType = "generation.done"
)

// Stage events mark the boundaries between pipeline stages.
const (
	EventSourceExtracted  EventType = "source.extracted"
	EventCompileDone      EventType = "compile.done"
	EventExecutionStarted EventType = "execution.started"
	EventExecutionDone    EventType = "execution.done"
)

// Lifecycle events track the run as a whole.
const (
	EventRunCreated   EventType = "run.created"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"
)

// Event is one server-sent progress event for a run.
type Event struct {
	Type           EventType        `json:"type"`
	SequenceNumber int              `json:"sequence_number"`
	RunID          string           `json:"run_id,omitempty"`
	Delta          string           `json:"delta,omitempty"`
	Text           string           `json:"text,omitempty"`
	Compile        *CompileResult   `json:"compile,omitempty"`
	Result         *ExecutionResult `json:"result,omitempty"`
	Run            *Run             `json:"run,omitempty"`
	Error          *APIError        `json:"error,omitempty"`
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}
