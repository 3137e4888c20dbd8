package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/promptrun/pkg/api"
)

var errStreamClosed = errors.New("event stream already closed")

// sseWriter writes api.Events as server-sent events. Headers go out with
// the first event; a terminal event is followed by "data: [DONE]" and
// closes the stream. Write errors from a vanished client are remembered
// and later events are dropped.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu      sync.Mutex
	started bool
	closed  bool
	err     error
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Write sends one event.
func (s *sseWriter) Write(ev api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}
	if s.err != nil {
		return s.err
	}
	s.start()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		s.err = err
		return err
	}
	if ev.IsTerminal() {
		s.closed = true
		fmt.Fprint(s.w, "data: [DONE]\n\n")
	}
	if err := s.rc.Flush(); err != nil {
		s.err = err
		return err
	}
	return nil
}

// Done ends a stream whose last event is not a run terminal event.
func (s *sseWriter) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	s.start()
	s.closed = true
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.rc.Flush()
}

// Emit adapts Write to the engine's event callback.
func (s *sseWriter) Emit(ev api.Event) {
	s.Write(ev)
}

// Started reports whether any event was written.
func (s *sseWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether the terminal event was written.
func (s *sseWriter) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
