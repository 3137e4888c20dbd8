package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/extract"
	"github.com/rhuss/promptrun/pkg/generate"
	"github.com/rhuss/promptrun/pkg/observability"
)

// Run drives one prompt through generation, extraction, compilation and
// execution, calling emit for every progress event. The returned run is
// always terminal (completed, failed or cancelled) when err is nil.
//
// Pipeline failures such as compile errors, timeouts or cancellation are
// recorded on the run and do not produce an error. err is non-nil only for
// invalid requests, in which case no run exists, and for runner failures,
// in which case the failed run is returned as well.
func (e *Engine) Run(ctx context.Context, req *api.RunRequest, emit EmitFunc) (*api.Run, error) {
	if apiErr := api.ValidateRunRequest(req, e.cfg.Validation); apiErr != nil {
		return nil, apiErr
	}
	if e.gen == nil {
		return nil, ErrNoGenerator
	}

	model := req.Model
	if model == "" {
		model = e.gen.Model()
	}
	run := &api.Run{
		ID:        api.NewRunID(),
		Object:    "run",
		Prompt:    req.Prompt,
		Model:     model,
		CreatedAt: e.now().Unix(),
	}

	ctx, span := tracer.Start(ctx, "engine.Run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("model", model),
	))
	defer span.End()

	p := &pipeline{
		e:           e,
		run:         run,
		events:      newEmitter(run.ID, emit),
		allowUnsafe: e.cfg.allowUnsafe(req.AllowUnsafe),
	}
	start := e.now()
	p.events.emit(api.Event{Type: api.EventRunCreated, Run: snapshot(run)})

	err := p.generate(ctx)
	if err == nil {
		var art *api.Artifact
		if art, err = p.compile(ctx); err == nil {
			err = p.execute(ctx, art)
		}
	}
	p.conclude(err)

	span.SetAttributes(attribute.String("status", string(run.Status)))
	if run.Status == api.RunStatusFailed {
		span.SetStatus(codes.Error, run.Error)
	}
	observability.RecordRun(run.Status, e.now().Sub(start))
	debug.LogContext(ctx, "engine", "run finished", "run_id", run.ID, "status", run.Status, "error_kind", run.ErrorKind)

	if storeRun(req) {
		e.persist(ctx, run)
	}

	final := api.Event{Type: terminalEvent(run.Status), Run: snapshot(run)}
	if err != nil {
		final.Error = api.ToAPIError(err)
	}
	p.events.emit(final)

	if api.KindOf(err) == "" && err != nil {
		return run, err
	}
	return run, nil
}

// persist saves run on a context that survives caller cancellation, so a
// cancelled run is still recorded.
func (e *Engine) persist(ctx context.Context, run *api.Run) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		slog.Warn("failed to store run", "run_id", run.ID, "error", err)
	}
}

// storeRun reports whether the run should be persisted. Defaults to true.
func storeRun(req *api.RunRequest) bool {
	return req.Store == nil || *req.Store
}

// pipeline holds the state of one Run call.
type pipeline struct {
	e           *Engine
	run         *api.Run
	events      *emitter
	allowUnsafe bool
}

func (p *pipeline) advance(to api.RunStatus) {
	if apiErr := api.ValidateRunTransition(p.run.Status, to); apiErr != nil {
		slog.Warn("unexpected run transition", "run_id", p.run.ID, "error", apiErr.Message)
	}
	p.run.Status = to
}

func (p *pipeline) generate(ctx context.Context) error {
	p.advance(api.RunStatusGenerating)

	stream, err := p.e.gen.Generate(ctx, p.run.Prompt, generate.WithModel(p.run.Model))
	if err != nil {
		return err
	}
	var b strings.Builder
	for c := range stream.Chunks() {
		b.WriteString(c.Text)
		p.events.emit(api.Event{Type: api.EventGenerationDelta, Delta: c.Text})
	}
	p.run.Generated = b.String()
	if err := stream.Err(); err != nil {
		return err
	}
	p.events.emit(api.Event{Type: api.EventGenerationDone, Text: p.run.Generated})
	return nil
}

func (p *pipeline) compile(ctx context.Context) (*api.Artifact, error) {
	p.run.Source = extract.Extract(p.run.Generated)
	p.events.emit(api.Event{Type: api.EventSourceExtracted, Text: p.run.Source})

	p.advance(api.RunStatusCompiling)
	cr := p.e.compiler.Compile(ctx, p.run.Source, api.CompileOptions{AllowUnsafe: p.allowUnsafe})
	p.run.Diagnostics = cr.Diagnostics
	p.events.emit(api.Event{Type: api.EventCompileDone, Compile: cr})

	if !cr.Success {
		return nil, compileFailure(cr)
	}
	p.run.ArtifactID = cr.Artifact.ID
	return cr.Artifact, nil
}

func (p *pipeline) execute(ctx context.Context, art *api.Artifact) error {
	p.advance(api.RunStatusExecuting)
	p.events.emit(api.Event{Type: api.EventExecutionStarted})

	res, err := p.e.runner.Execute(ctx, art)
	if err != nil {
		return fmt.Errorf("runner %s: %w", p.e.runner.Name(), err)
	}
	p.run.Result = res
	p.events.emit(api.Event{Type: api.EventExecutionDone, Result: res})

	if !res.Success {
		return &api.PipelineError{Kind: res.Kind(), Message: res.Error}
	}
	return nil
}

// conclude moves the run to its terminal status and records the failure.
func (p *pipeline) conclude(err error) {
	switch {
	case err == nil:
		p.advance(api.RunStatusCompleted)
	case api.IsCancelled(err):
		p.advance(api.RunStatusCancelled)
	default:
		p.advance(api.RunStatusFailed)
	}
	if err != nil {
		p.run.ErrorKind = api.KindOf(err)
		p.run.Error = failureText(err)
	}
	p.run.CompletedAt = p.e.now().Unix()
}

func compileFailure(cr *api.CompileResult) error {
	var msgs []string
	for _, d := range cr.Diagnostics {
		if d.Severity == api.SeverityError {
			msgs = append(msgs, d.String())
		}
	}
	return &api.PipelineError{Kind: api.KindCompileFailure, Message: strings.Join(msgs, "\n")}
}

func failureText(err error) string {
	var pe *api.PipelineError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}
