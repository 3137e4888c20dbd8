package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/engine"
)

// renderer prints run events for a terminal. Program output goes to out,
// progress and model text to status.
type renderer struct {
	out      io.Writer
	status   io.Writer
	showCode bool
	midLine  bool
	source   string
}

func newRenderer(out, status io.Writer, showCode bool) *renderer {
	return &renderer{out: out, status: status, showCode: showCode}
}

func (r *renderer) emit(ev api.Event) {
	switch ev.Type {
	case api.EventGenerationDelta:
		if r.showCode {
			io.WriteString(r.status, ev.Delta)
			if ev.Delta != "" {
				r.midLine = !strings.HasSuffix(ev.Delta, "\n")
			}
		}
	case api.EventSourceExtracted:
		r.source = ev.Text
		r.endLine()
		fmt.Fprintf(r.status, "extracted %d lines\n", strings.Count(ensureNewline(ev.Text), "\n"))
	case api.EventCompileDone:
		if ev.Compile != nil && !ev.Compile.Success {
			printDiagnostics(r.status, ev.Compile, r.source)
		}
	case api.EventExecutionStarted:
		fmt.Fprintln(r.status, "running...")
	case api.EventExecutionDone:
		if ev.Result != nil {
			io.WriteString(r.out, ev.Result.Output)
		}
	case api.EventRunCompleted, api.EventRunFailed, api.EventRunCancelled:
		r.endLine()
		if ev.Run != nil {
			fmt.Fprintf(r.status, "run %s %s\n", ev.Run.ID, ev.Run.Status)
		}
	}
}

func (r *renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.status)
		r.midLine = false
	}
}

// workflow runs prompt through the whole pipeline and maps a failed or
// cancelled run to an error.
func workflow(ctx context.Context, eng *engine.Engine, r *renderer, prompt string) (*api.Run, error) {
	run, err := eng.Run(ctx, &api.RunRequest{Prompt: prompt, Model: modelName, AllowUnsafe: allowUnsafe}, r.emit)
	if err != nil {
		return run, err
	}
	return run, runError(run)
}
