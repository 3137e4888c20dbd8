package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/compiler"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/observability"
	"github.com/rhuss/promptrun/pkg/trust"
)

var tracer = otel.Tracer("github.com/rhuss/promptrun/pkg/sandbox")

// InProcessName is the runner name used in metrics and logs.
const InProcessName = "inprocess"

// Interpreter runs artifacts inside the current process, each in its own
// interpreter instance.
type Interpreter struct {
	cfg  Config
	gate gate
}

var _ Runner = (*Interpreter)(nil)

// NewInterpreter creates an in-process runner.
func NewInterpreter(cfg Config) *Interpreter {
	cfg = cfg.withDefaults()
	return &Interpreter{cfg: cfg, gate: newGate(cfg.MaxConcurrent)}
}

// Name returns the runner name.
func (r *Interpreter) Name() string { return InProcessName }

// Timeout returns the configured execution timeout.
func (r *Interpreter) Timeout() time.Duration { return r.cfg.Timeout }

// Execute loads the artifact into a fresh context, runs its entry point
// under the configured timeout, and always unloads the context before
// returning.
func (r *Interpreter) Execute(ctx context.Context, art *api.Artifact) (*api.ExecutionResult, error) {
	if art == nil {
		return nil, errors.New("sandbox: nil artifact")
	}

	ctx, span := tracer.Start(ctx, "sandbox.Execute", trace.WithAttributes(
		attribute.String("artifact.id", art.ID),
		attribute.String("runner", InProcessName),
	))
	defer span.End()

	start := time.Now()
	lc := newLifecycle(art.ID, r.cfg.OnTransition)

	release, err := r.gate.acquire(ctx)
	if err != nil {
		lc.to(api.SandboxLoading)
		lc.to(api.SandboxUnloaded)
		return r.finish(span, api.Failed(api.OutcomeCancelled, "", api.MessageCancelled, time.Since(start))), nil
	}
	defer release()

	observability.SandboxesActive.Inc()
	defer observability.SandboxesActive.Dec()

	lc.to(api.SandboxLoading)
	ec, failure := r.load(art)
	if failure != nil {
		ec.unload(r.cfg.GCAfterRun)
		lc.to(api.SandboxUnloaded)
		failure.Duration = time.Since(start)
		return r.finish(span, failure), nil
	}

	lc.to(api.SandboxRunning)
	result := ec.run(ctx, r.cfg.Timeout)
	lc.to(api.SandboxStateFor(result.Outcome))
	if ec.output.Truncated() {
		result.Truncated = true
		debug.Log("sandbox", "output truncated", "artifact_id", art.ID, "limit", r.cfg.MaxOutput)
	}

	ec.unload(r.cfg.GCAfterRun)
	lc.to(api.SandboxUnloaded)

	result.Duration = time.Since(start)
	return r.finish(span, result), nil
}

func (r *Interpreter) finish(span trace.Span, result *api.ExecutionResult) *api.ExecutionResult {
	span.SetAttributes(
		attribute.String("outcome", string(result.Outcome)),
		attribute.Int("output.bytes", len(result.Output)),
	)
	observability.RecordExecution(InProcessName, result)
	return result
}

// executionContext is one loaded artifact. It owns the interpreter and the
// capture sink for a single run.
type executionContext struct {
	interp  *interp.Interpreter
	program *interp.Program
	output  *captureSink
}

// load resolves the artifact's imports through the trust set and compiles
// it into a fresh interpreter. A non-nil result means loading failed and
// the run must go straight to unloaded.
func (r *Interpreter) load(art *api.Artifact) (*executionContext, *api.ExecutionResult) {
	ec := &executionContext{output: newCaptureSink(r.cfg.MaxOutput)}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, compiler.FileName, art.Source, parser.SkipObjectResolution)
	if err != nil {
		return ec, api.Failed(api.OutcomeFaulted, "", fmt.Sprintf("load failed: %v", err), 0)
	}
	if file.Name.Name != "main" || compiler.FindMain(file) == nil {
		return ec, api.Failed(api.OutcomeNoEntryPoint, "", api.MessageNoEntryPoint, 0)
	}

	imports := make([]string, 0, len(file.Imports))
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return ec, api.Failed(api.OutcomeFaulted, "", fmt.Sprintf("load failed: %v", err), 0)
		}
		imports = append(imports, path)
	}
	if !r.cfg.Isolated {
		if what := detachedCode(file); what != "" {
			return ec, api.Failed(api.OutcomeFaulted, "", fmt.Sprintf("load failed: %s %s", what, ErrDetachedCode), 0)
		}
	}

	packages := r.cfg.Packages
	if packages == nil {
		packages = trust.DefaultPackages
	}
	exports, err := trust.New(packages, art.AllowUnsafe).Exports(imports)
	if err != nil {
		return ec, api.Failed(api.OutcomeFaulted, "", err.Error(), 0)
	}

	ec.interp = interp.New(interp.Options{
		Stdin:                strings.NewReader(""),
		Stdout:               ec.output,
		Stderr:               ec.output,
		Args:                 []string{"main"},
		Env:                  []string{},
		SourcecodeFilesystem: trust.SourceFS,
	})
	if err := ec.interp.Use(exports); err != nil {
		return ec, api.Failed(api.OutcomeFaulted, "", fmt.Sprintf("load failed: %v", err), 0)
	}

	program, err := compileProgram(ec.interp, string(art.Source))
	if err != nil {
		return ec, api.Failed(api.OutcomeFaulted, "", fmt.Sprintf("load failed: %v", err), 0)
	}
	ec.program = program
	debug.Log("sandbox", "artifact loaded", "artifact_id", art.ID, "imports", imports)
	return ec, nil
}

// ErrDetachedCode explains why a non-isolated runner refused a program.
var ErrDetachedCode = errors.New("runs outside the entry point and needs the subprocess sandbox")

// detachedCode names the first construct in file that would run code on a
// goroutine the entry point's recover does not cover, or "" if none.
func detachedCode(file *ast.File) string {
	names := map[string]string{}
	for _, spec := range file.Imports {
		path, _ := strconv.Unquote(spec.Path.Value)
		name := path[strings.LastIndex(path, "/")+1:]
		if spec.Name != nil {
			name = spec.Name.Name
		}
		names[name] = path
	}

	var found string
	ast.Inspect(file, func(n ast.Node) bool {
		if found != "" {
			return false
		}
		switch n := n.(type) {
		case *ast.GoStmt:
			found = "go statement"
		case *ast.SelectorExpr:
			pkg, ok := n.X.(*ast.Ident)
			if !ok || n.Sel.Name != "AfterFunc" {
				break
			}
			if path := names[pkg.Name]; path == "time" || path == "context" {
				found = path + ".AfterFunc"
			}
		}
		return found == ""
	})
	return found
}

func compileProgram(i *interp.Interpreter, src string) (p *interp.Program, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("interpreter panic: %v", rec)
		}
	}()
	return i.Compile(src)
}

// run invokes the entry point on a worker goroutine and waits for the
// first of completion, timeout, or cancellation.
func (ec *executionContext) run(ctx context.Context, timeout time.Duration) *api.ExecutionResult {
	runCtx, stop := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic: %v", rec)
			}
		}()
		_, err := ec.interp.ExecuteWithContext(runCtx, ec.program)
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		stop()
		switch {
		case err == nil:
			return api.Completed(ec.output.String(), 0)
		case ctx.Err() != nil:
			return api.Failed(api.OutcomeCancelled, ec.output.String(), api.MessageCancelled, 0)
		default:
			return api.Failed(api.OutcomeFaulted, ec.output.String(), describeFault(err), 0)
		}
	case <-timer.C:
		stop()
		detach(done)
		return api.Failed(api.OutcomeTimedOut, ec.output.String(), api.MessageTimedOut, 0)
	case <-ctx.Done():
		stop()
		detach(done)
		return api.Failed(api.OutcomeCancelled, ec.output.String(), api.MessageCancelled, 0)
	}
}

// detach accounts for a worker that may outlive its run.
func detach(done <-chan error) {
	observability.DetachedWorkers.Inc()
	go func() {
		<-done
		observability.DetachedWorkers.Dec()
	}()
}

// unload drops every reference to the interpreter so the code and memory
// it introduced become unreachable from this run.
func (ec *executionContext) unload(gc bool) {
	ec.program = nil
	ec.interp = nil
	if gc {
		runtime.GC()
	}
}

// describeFault renders an execution failure with its nested causes.
func describeFault(err error) string {
	var p interp.Panic
	if errors.As(err, &p) {
		if inner, ok := p.Value.(error); ok {
			return joinCauses(inner)
		}
		return fmt.Sprint(p.Value)
	}
	return joinCauses(err)
}

func joinCauses(err error) string {
	msg := err.Error()
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		if s := cause.Error(); !strings.Contains(msg, s) {
			msg += ": " + s
		}
	}
	return msg
}
