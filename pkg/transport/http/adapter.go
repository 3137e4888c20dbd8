// Package http serves the promptrun API over HTTP with JSON bodies and
// server-sent events for streamed runs and generations.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/storage"
	"github.com/rhuss/promptrun/pkg/transport"
)

// Config holds adapter limits.
type Config struct {
	MaxBodySize int64
	// ReadyTimeout bounds the store health check behind /readyz.
	ReadyTimeout time.Duration
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize:  2 << 20,
		ReadyTimeout: 2 * time.Second,
	}
}

// Adapter routes HTTP requests to a Pipeline and a RunStore.
type Adapter struct {
	pipeline transport.Pipeline
	runs     transport.RunCreator
	store    storage.RunStore // nil disables the stored-run endpoints
	inflight *transport.InFlight
	mux      *http.ServeMux
	cfg      Config
}

// NewAdapter creates an Adapter. Middleware wraps run creation, outermost
// first.
func NewAdapter(p transport.Pipeline, store storage.RunStore, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	var runs transport.RunCreator = p
	if len(middlewares) > 0 {
		runs = transport.Chain(middlewares...)(p)
	}

	a := &Adapter{
		pipeline: p,
		runs:     runs,
		store:    store,
		inflight: transport.NewInFlight(),
		mux:      http.NewServeMux(),
		cfg:      cfg,
	}
	a.mux.HandleFunc("POST /v1/runs", a.handleCreateRun)
	a.mux.HandleFunc("GET /v1/runs", a.handleListRuns)
	a.mux.HandleFunc("GET /v1/runs/{id}", a.handleGetRun)
	a.mux.HandleFunc("DELETE /v1/runs/{id}", a.handleDeleteRun)
	a.mux.HandleFunc("POST /v1/runs/{id}/cancel", a.handleCancelRun)
	a.mux.HandleFunc("POST /v1/generate", a.handleGenerate)
	a.mux.HandleFunc("POST /v1/compile", a.handleCompile)
	a.mux.HandleFunc("POST /v1/execute", a.handleExecute)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.HandleFunc("GET /readyz", a.handleReady)
	return a
}

// Handle registers an extra handler, such as /metrics or /mcp.
func (a *Adapter) Handle(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
}

// InFlight exposes the registry of running pipelines.
func (a *Adapter) InFlight() *transport.InFlight { return a.inflight }

// Handler returns the routed handler with request ID propagation.
func (a *Adapter) Handler() http.Handler {
	return requestIDMiddleware(a.mux)
}

// requestIDMiddleware takes X-Request-ID from the client or generates one,
// stores it in the context and echoes it in the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = transport.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(transport.ContextWithRequestID(r.Context(), id)))
	})
}

// decode reads a JSON body into v, writing the error response itself when
// it returns false.
func (a *Adapter) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			transport.WriteErrorStatus(w, api.NewInvalidRequestError("content_type", "Content-Type must be application/json"), http.StatusUnsupportedMediaType)
			return false
		}
	}
	body := http.MaxBytesReader(w, r.Body, a.cfg.MaxBodySize)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			transport.WriteErrorStatus(w, api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.cfg.MaxBodySize)), http.StatusRequestEntityTooLarge)
			return false
		}
		transport.WriteError(w, api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()))
		return false
	}
	return true
}

// wantsStream reports whether the response should be SSE.
func wantsStream(r *http.Request, flag bool) bool {
	return flag || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (a *Adapter) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req api.RunRequest
	if !a.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var untrack func()
	track := func(ev api.Event) {
		if ev.Type == api.EventRunCreated && untrack == nil {
			untrack = a.inflight.Track(ev.RunID, cancel)
			w.Header().Set("X-Run-ID", ev.RunID)
		}
	}
	defer func() {
		if untrack != nil {
			untrack()
		}
	}()

	if wantsStream(r, req.Stream) {
		sse := newSSEWriter(w)
		run, err := a.runs.Run(ctx, &req, func(ev api.Event) {
			track(ev)
			sse.Emit(ev)
		})
		if err != nil && !sse.Closed() {
			a.streamError(w, sse, run, err)
		}
		return
	}

	run, err := a.runs.Run(ctx, &req, track)
	if run == nil {
		transport.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		slog.ErrorContext(ctx, "run failed outside the pipeline", "run_id", run.ID, "error", err)
		status = http.StatusInternalServerError
	}
	transport.WriteJSON(w, status, run)
}

// streamError reports err on a stream that never reached its terminal
// event. Before the first event a plain JSON error is still possible.
func (a *Adapter) streamError(w http.ResponseWriter, sse *sseWriter, run *api.Run, err error) {
	if !sse.Started() {
		transport.WriteError(w, err)
		return
	}
	ev := api.Event{Type: api.EventRunFailed, Run: run, Error: transport.AsAPIError(err)}
	if run != nil {
		ev.RunID = run.ID
	}
	sse.Write(ev)
}

func (a *Adapter) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateRequest
	if !a.decode(w, r, &req) {
		return
	}
	if !wantsStream(r, req.Stream) {
		res, err := a.pipeline.GenerateCode(r.Context(), &req)
		if err != nil {
			transport.WriteError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusOK, res)
		return
	}

	stream, err := a.pipeline.Generate(r.Context(), &req)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	defer stream.Close()

	sse := newSSEWriter(w)
	seq := 0
	var text strings.Builder
	for chunk := range stream.Chunks() {
		text.WriteString(chunk.Text)
		sse.Write(api.Event{Type: api.EventGenerationDelta, SequenceNumber: seq, Delta: chunk.Text})
		seq++
	}
	done := api.Event{Type: api.EventGenerationDone, SequenceNumber: seq, Text: text.String()}
	if err := stream.Err(); err != nil {
		done.Error = transport.AsAPIError(err)
	}
	sse.Write(done)
	sse.Done()
}

func (a *Adapter) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req api.CompileRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.pipeline.Compile(r.Context(), &req)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, res)
}

func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req api.ExecuteRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.pipeline.Execute(r.Context(), &req)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, res)
}

// runID validates the {id} path value, writing a 400 when malformed.
func runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !api.ValidateRunID(id) {
		transport.WriteError(w, api.NewInvalidRequestError("id", "malformed run ID"))
		return "", false
	}
	return id, true
}

func (a *Adapter) requireStore(w http.ResponseWriter) bool {
	if a.store == nil {
		transport.WriteErrorStatus(w, api.NewInvalidRequestError("", "run storage is not configured"), http.StatusNotImplemented)
		return false
	}
	return true
}

func (a *Adapter) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok || !a.requireStore(w) {
		return
	}
	run, err := a.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = api.NewNotFoundError("run " + id + " not found")
		}
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, run)
}

// handleDeleteRun cancels the run when it is still in flight, otherwise
// deletes the stored record.
func (a *Adapter) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if a.inflight.Cancel(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !a.requireStore(w) {
		return
	}
	if err := a.store.DeleteRun(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = api.NewNotFoundError("run " + id + " not found")
		}
		transport.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adapter) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if !a.inflight.Cancel(id) {
		transport.WriteError(w, api.NewNotFoundError("run "+id+" is not in flight"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *Adapter) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !a.requireStore(w) {
		return
	}
	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteError(w, apiErr)
		return
	}
	list, err := a.store.ListRuns(r.Context(), opts)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, list)
}

var listStatuses = map[api.RunStatus]bool{
	api.RunStatusCompleted: true,
	api.RunStatusFailed:    true,
	api.RunStatusCancelled: true,
}

func parseListOptions(r *http.Request) (storage.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		After:  q.Get("after"),
		Before: q.Get("before"),
		Model:  q.Get("model"),
		Status: api.RunStatus(q.Get("status")),
		Order:  q.Get("order"),
	}
	if opts.After != "" && opts.Before != "" {
		return opts, api.NewInvalidRequestError("after", "after and before are mutually exclusive")
	}
	switch opts.Order {
	case "", "asc", "desc":
	default:
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}
	if opts.Status != "" && !listStatuses[opts.Status] {
		return opts, api.NewInvalidRequestError("status", "status must be completed, failed or cancelled")
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > storage.MaxListLimit {
			return opts, api.NewInvalidRequestError("limit", fmt.Sprintf("limit must be between 1 and %d", storage.MaxListLimit))
		}
		opts.Limit = n
	}
	return opts, nil
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "in_flight": a.inflight.Len()})
}

func (a *Adapter) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), a.cfg.ReadyTimeout)
		defer cancel()
		if err := a.store.HealthCheck(ctx); err != nil {
			transport.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	transport.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
