package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/compiler"
	"github.com/rhuss/promptrun/pkg/generate"
	"github.com/rhuss/promptrun/pkg/provider"
	"github.com/rhuss/promptrun/pkg/sandbox"
	"github.com/rhuss/promptrun/pkg/storage"
	"github.com/rhuss/promptrun/pkg/storage/memory"
)

const helloReply = "Sure:\n```go\npackage main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"hi\")\n}\n```\n"

// mockProvider implements provider.Provider for testing.
type mockProvider struct {
	streamFn func(ctx context.Context, req *provider.ProviderRequest) (<-chan provider.ProviderEvent, error)
}

func (m *mockProvider) Name() string { return "mock" }
func (m *mockProvider) Capabilities() provider.ProviderCapabilities {
	return provider.ProviderCapabilities{Streaming: true}
}
func (m *mockProvider) Complete(context.Context, *provider.ProviderRequest) (*provider.ProviderResponse, error) {
	return nil, errors.New("not used")
}
func (m *mockProvider) Stream(ctx context.Context, req *provider.ProviderRequest) (<-chan provider.ProviderEvent, error) {
	return m.streamFn(ctx, req)
}
func (m *mockProvider) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (m *mockProvider) Close() error                                             { return nil }

// replying streams reply in small pieces, then Done. With hold set it
// stalls after the pieces until ctx ends.
func replying(reply string, hold bool) *mockProvider {
	return &mockProvider{streamFn: func(ctx context.Context, _ *provider.ProviderRequest) (<-chan provider.ProviderEvent, error) {
		ch := make(chan provider.ProviderEvent)
		go func() {
			defer close(ch)
			for len(reply) > 0 {
				n := min(7, len(reply))
				select {
				case ch <- provider.ProviderEvent{Type: provider.ProviderEventTextDelta, Delta: reply[:n]}:
				case <-ctx.Done():
					return
				}
				reply = reply[n:]
			}
			if hold {
				<-ctx.Done()
				return
			}
			select {
			case ch <- provider.ProviderEvent{Type: provider.ProviderEventDone}:
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}}
}

// failingRunner returns an error from Execute.
type failingRunner struct{}

func (failingRunner) Name() string { return "failing" }
func (failingRunner) Execute(context.Context, *api.Artifact) (*api.ExecutionResult, error) {
	return nil, errors.New("sandbox unreachable")
}

type fixture struct {
	engine *Engine
	store  *memory.Store
}

func newFixture(t *testing.T, p provider.Provider, runner sandbox.Runner, cfg Config) fixture {
	t.Helper()
	var gen *generate.Generator
	if p != nil {
		var err error
		gen, err = generate.New(p, generate.Config{Model: "coder", Timeout: 5 * time.Second})
		if err != nil {
			t.Fatal(err)
		}
	}
	if runner == nil {
		runner = sandbox.NewInterpreter(sandbox.Config{Timeout: 5 * time.Second})
	}
	store := memory.New(0)
	e, err := New(gen, compiler.New(), runner, store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return fixture{engine: e, store: store}
}

// recorder collects emitted events.
type recorder struct{ events []api.Event }

func (r *recorder) emit(ev api.Event) { r.events = append(r.events, ev) }

// types returns the event types with consecutive deltas collapsed.
func (r *recorder) types() []api.EventType {
	var out []api.EventType
	for _, ev := range r.events {
		if ev.Type == api.EventGenerationDelta && len(out) > 0 && out[len(out)-1] == ev.Type {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() api.Event { return r.events[len(r.events)-1] }

func equalTypes(a, b []api.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_RequiresCompilerAndRunner(t *testing.T) {
	if _, err := New(nil, nil, sandbox.NewInterpreter(sandbox.Config{}), nil, Config{}); err == nil {
		t.Error("expected error without compiler")
	}
	if _, err := New(nil, compiler.New(), nil, nil, Config{}); err == nil {
		t.Error("expected error without runner")
	}
}

func TestRun_Completed(t *testing.T) {
	f := newFixture(t, replying(helloReply, false), nil, Config{})
	rec := &recorder{}

	run, err := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "say hi"}, rec.emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !api.ValidateRunID(run.ID) {
		t.Errorf("run id = %q", run.ID)
	}
	if run.Status != api.RunStatusCompleted || run.Model != "coder" {
		t.Errorf("run = %+v", run)
	}
	if run.Generated != helloReply {
		t.Errorf("generated = %q", run.Generated)
	}
	if !strings.HasPrefix(run.Source, "package main") || strings.Contains(run.Source, "```") {
		t.Errorf("source = %q", run.Source)
	}
	if run.Result == nil || run.Result.Output != "hi\n" || run.ArtifactID == "" {
		t.Errorf("result = %+v artifact=%q", run.Result, run.ArtifactID)
	}
	if run.CompletedAt == 0 {
		t.Error("completed_at not set")
	}

	want := []api.EventType{
		api.EventRunCreated,
		api.EventGenerationDelta,
		api.EventGenerationDone,
		api.EventSourceExtracted,
		api.EventCompileDone,
		api.EventExecutionStarted,
		api.EventExecutionDone,
		api.EventRunCompleted,
	}
	if got := rec.types(); !equalTypes(got, want) {
		t.Errorf("events = %v\nwant %v", got, want)
	}
	for i, ev := range rec.events {
		if ev.SequenceNumber != i || ev.RunID != run.ID {
			t.Errorf("event %d: seq=%d run=%q", i, ev.SequenceNumber, ev.RunID)
		}
	}
	if !rec.last().IsTerminal() || rec.last().Run.Status != api.RunStatusCompleted {
		t.Errorf("terminal event = %+v", rec.last())
	}

	stored, err := f.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("run not stored: %v", err)
	}
	if stored.Status != api.RunStatusCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestRun_DeltasReassembleGeneratedText(t *testing.T) {
	f := newFixture(t, replying(helloReply, false), nil, Config{})
	rec := &recorder{}
	run, _ := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "x"}, rec.emit)

	var b strings.Builder
	for _, ev := range rec.events {
		if ev.Type == api.EventGenerationDelta {
			b.WriteString(ev.Delta)
		}
	}
	if b.String() != run.Generated {
		t.Errorf("deltas = %q, generated = %q", b.String(), run.Generated)
	}
}

func TestRun_CompileFailure(t *testing.T) {
	f := newFixture(t, replying("package main\n\nfunc main() {\n\tx := )\n}\n", false), nil, Config{})
	rec := &recorder{}

	run, err := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "broken"}, rec.emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != api.RunStatusFailed || run.ErrorKind != api.KindCompileFailure {
		t.Errorf("run status=%s kind=%s", run.Status, run.ErrorKind)
	}
	if len(run.Diagnostics) == 0 || !strings.Contains(run.Error, "(4,") {
		t.Errorf("diagnostics = %v error = %q", run.Diagnostics, run.Error)
	}
	for _, ev := range rec.events {
		if ev.Type == api.EventExecutionStarted {
			t.Error("execution started after compile failure")
		}
	}
	last := rec.last()
	if last.Type != api.EventRunFailed || last.Error == nil {
		t.Errorf("terminal event = %+v", last)
	}
}

func TestRun_ExecutionTimeout(t *testing.T) {
	reply := "package main\n\nimport \"time\"\n\nfunc main() {\n\tfor {\n\t\ttime.Sleep(time.Millisecond)\n\t}\n}\n"
	runner := sandbox.NewInterpreter(sandbox.Config{Timeout: 200 * time.Millisecond})
	f := newFixture(t, replying(reply, false), runner, Config{})

	run, err := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "spin"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != api.RunStatusFailed || run.ErrorKind != api.KindExecutionTimeout {
		t.Errorf("status=%s kind=%s", run.Status, run.ErrorKind)
	}
	if run.Result == nil || run.Result.Error != api.MessageTimedOut || run.Error != api.MessageTimedOut {
		t.Errorf("result = %+v error = %q", run.Result, run.Error)
	}
}

func TestRun_NoEntryPoint(t *testing.T) {
	f := newFixture(t, replying("package main\n\nfunc helper() {}\n", false), nil, Config{})
	run, err := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "lib"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != api.RunStatusFailed {
		t.Errorf("status = %s", run.Status)
	}
	if run.ErrorKind != api.KindNoEntryPoint && run.ErrorKind != api.KindCompileFailure {
		t.Errorf("kind = %s", run.ErrorKind)
	}
}

func TestRun_CancelledDuringGeneration(t *testing.T) {
	f := newFixture(t, replying("package main\n", true), nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}

	emit := func(ev api.Event) {
		rec.emit(ev)
		if ev.Type == api.EventGenerationDelta {
			cancel()
		}
	}
	run, err := f.engine.Run(ctx, &api.RunRequest{Prompt: "x"}, emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != api.RunStatusCancelled || run.ErrorKind != api.KindGenerationCancelled {
		t.Errorf("status=%s kind=%s", run.Status, run.ErrorKind)
	}
	if run.Generated == "" {
		t.Error("prefix not kept on cancellation")
	}
	if rec.last().Type != api.EventRunCancelled {
		t.Errorf("terminal event = %s", rec.last().Type)
	}

	// Persisted despite the cancelled context.
	if _, err := f.store.GetRun(context.Background(), run.ID); err != nil {
		t.Errorf("cancelled run not stored: %v", err)
	}
}

func TestRun_StoreOptOut(t *testing.T) {
	f := newFixture(t, replying(helloReply, false), nil, Config{})
	no := false
	run, err := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "x", Store: &no}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.GetRun(context.Background(), run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("run stored despite store=false: %v", err)
	}
}

func TestRun_TenantScopedStorage(t *testing.T) {
	f := newFixture(t, replying(helloReply, false), nil, Config{})
	ctx := storage.SetTenant(context.Background(), "team-a")
	run, err := f.engine.Run(ctx, &api.RunRequest{Prompt: "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	other := storage.SetTenant(context.Background(), "team-b")
	if _, err := f.store.GetRun(other, run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("other tenant sees run: %v", err)
	}
}

func TestRun_RunnerError(t *testing.T) {
	f := newFixture(t, replying(helloReply, false), failingRunner{}, Config{})
	rec := &recorder{}
	run, err := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "x"}, rec.emit)
	if err == nil || !strings.Contains(err.Error(), "sandbox unreachable") {
		t.Fatalf("err = %v", err)
	}
	if run == nil || run.Status != api.RunStatusFailed {
		t.Errorf("run = %+v", run)
	}
	if rec.last().Type != api.EventRunFailed {
		t.Errorf("terminal event = %s", rec.last().Type)
	}
}

func TestRun_GenerationFailure(t *testing.T) {
	p := &mockProvider{streamFn: func(context.Context, *provider.ProviderRequest) (<-chan provider.ProviderEvent, error) {
		return nil, provider.ModelNotFound("coder", "")
	}}
	f := newFixture(t, p, nil, Config{})
	rec := &recorder{}
	run, err := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "x"}, rec.emit)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != api.RunStatusFailed || run.ErrorKind != api.KindGenerationFailure {
		t.Errorf("status=%s kind=%s", run.Status, run.ErrorKind)
	}
	if !strings.Contains(run.Error, "coder") {
		t.Errorf("error = %q, want model named", run.Error)
	}
	if e := rec.last().Error; e == nil || e.Type != api.ErrorTypeNotFound {
		t.Errorf("terminal error = %+v", e)
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	f := newFixture(t, replying(helloReply, false), nil, Config{})
	run, err := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "  "}, nil)
	var apiErr *api.APIError
	if run != nil || !errors.As(err, &apiErr) || apiErr.Param != "prompt" {
		t.Errorf("run=%v err=%v", run, err)
	}
}

func TestRun_NoGenerator(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	if _, err := f.engine.Run(context.Background(), &api.RunRequest{Prompt: "x"}, nil); !errors.Is(err, ErrNoGenerator) {
		t.Errorf("err = %v", err)
	}
	if _, err := f.engine.Generate(context.Background(), &api.GenerateRequest{Prompt: "x"}); !errors.Is(err, ErrNoGenerator) {
		t.Errorf("Generate err = %v", err)
	}
}

func TestCompile_UnsafeNeedsEngineOptIn(t *testing.T) {
	src := "package main\n\nimport \"unsafe\"\n\nvar _ unsafe.Pointer\n\nfunc main() {}\n"
	tests := []struct {
		name    string
		cfg     Config
		request bool
		want    bool
	}{
		{"engine forbids", Config{}, true, false},
		{"request does not ask", Config{AllowUnsafe: true}, false, false},
		{"both allow", Config{AllowUnsafe: true}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil, tt.cfg)
			res, err := f.engine.Compile(context.Background(), &api.CompileRequest{Source: src, AllowUnsafe: tt.request})
			if err != nil {
				t.Fatal(err)
			}
			if res.Success != tt.want {
				t.Errorf("success = %v, want %v (%v)", res.Success, tt.want, res.Messages())
			}
		})
	}
}

func TestCompile_EmptySource(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	if _, err := f.engine.Compile(context.Background(), &api.CompileRequest{}); err == nil {
		t.Error("expected validation error")
	}
}

func TestExecute(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	src := "package main\n\nimport \"fmt\"\n\nfunc main() { fmt.Print(6 * 7) }\n"

	resp, err := f.engine.Execute(context.Background(), &api.ExecuteRequest{Source: src})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Compile.Success || resp.Result == nil || resp.Result.Output != "42" {
		t.Errorf("response = %+v", resp.Result)
	}

	// Re-running a returned artifact compiles it again under a new ID.
	art := resp.Compile.Artifact
	again, err := f.engine.Execute(context.Background(), &api.ExecuteRequest{Artifact: art})
	if err != nil {
		t.Fatal(err)
	}
	if again.Result.Output != "42" || again.Compile.Artifact.ID == art.ID {
		t.Errorf("artifact rerun = %+v", again.Compile.Artifact)
	}
}

func TestExecute_CompileErrorSkipsRunner(t *testing.T) {
	f := newFixture(t, nil, failingRunner{}, Config{})
	resp, err := f.engine.Execute(context.Background(), &api.ExecuteRequest{Source: "package main\nfunc main() {"})
	if err != nil {
		t.Fatalf("runner should not be reached: %v", err)
	}
	if resp.Compile.Success || resp.Result != nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestExecute_RunnerError(t *testing.T) {
	f := newFixture(t, nil, failingRunner{}, Config{})
	_, err := f.engine.Execute(context.Background(), &api.ExecuteRequest{Source: "package main\n\nfunc main() {}\n"})
	if err == nil || !strings.Contains(err.Error(), "failing") {
		t.Errorf("err = %v", err)
	}
}

func TestGenerateCode(t *testing.T) {
	f := newFixture(t, replying(helloReply, false), nil, Config{})
	res, err := f.engine.GenerateCode(context.Background(), &api.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !strings.HasPrefix(res.Code, "package main") {
		t.Errorf("result = %+v", res)
	}
}
