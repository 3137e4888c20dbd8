package engine

import "github.com/rhuss/promptrun/pkg/api"

// EmitFunc receives run events in order. It is called synchronously from
// the goroutine driving the run and must not block for long.
type EmitFunc = func(api.Event)

// emitter stamps events with the run ID and a sequence number starting at 0.
type emitter struct {
	runID string
	seq   int
	fn    EmitFunc
}

func newEmitter(runID string, fn EmitFunc) *emitter {
	if fn == nil {
		fn = func(api.Event) {}
	}
	return &emitter{runID: runID, fn: fn}
}

func (e *emitter) emit(ev api.Event) {
	ev.RunID = e.runID
	ev.SequenceNumber = e.seq
	e.seq++
	e.fn(ev)
}

// snapshot copies run so later mutation does not leak into emitted events.
func snapshot(run *api.Run) *api.Run {
	cp := *run
	return &cp
}

// terminalEvent picks the closing event type for a finished run.
func terminalEvent(status api.RunStatus) api.EventType {
	switch status {
	case api.RunStatusCompleted:
		return api.EventRunCompleted
	case api.RunStatusCancelled:
		return api.EventRunCancelled
	}
	return api.EventRunFailed
}
