package transport

import (
	"context"
	"sync"
)

// InFlight maps the IDs of running pipelines to their cancel functions so
// a client can stop a run it no longer waits for.
type InFlight struct {
	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// NewInFlight creates an empty registry.
func NewInFlight() *InFlight {
	return &InFlight{runs: make(map[string]context.CancelFunc)}
}

// Track registers id until the returned function is called.
func (f *InFlight) Track(id string, cancel context.CancelFunc) (untrack func()) {
	f.mu.Lock()
	f.runs[id] = cancel
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.runs, id)
		f.mu.Unlock()
	}
}

// Cancel stops the run id. It reports false when no such run is in flight.
func (f *InFlight) Cancel(id string) bool {
	f.mu.Lock()
	cancel, ok := f.runs[id]
	delete(f.runs, id)
	f.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Len returns the number of runs in flight.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}
