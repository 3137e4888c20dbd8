package generate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/provider"
)

// scriptedProvider replays a fixed event list. A nil event list with hold
// set blocks until ctx ends, like a stalled backend.
type scriptedProvider struct {
	events    []provider.ProviderEvent
	hold      bool
	streamErr error
	lastReq   *provider.ProviderRequest
	models    []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Capabilities() provider.ProviderCapabilities {
	return provider.ProviderCapabilities{Streaming: true, SupportedModels: p.models}
}

func (p *scriptedProvider) Complete(context.Context, *provider.ProviderRequest) (*provider.ProviderResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *scriptedProvider) Stream(ctx context.Context, req *provider.ProviderRequest) (<-chan provider.ProviderEvent, error) {
	p.lastReq = req
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	ch := make(chan provider.ProviderEvent)
	go func() {
		defer close(ch)
		for _, ev := range p.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if p.hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (p *scriptedProvider) Close() error                                             { return nil }

func textEvents(parts ...string) []provider.ProviderEvent {
	var evs []provider.ProviderEvent
	for _, p := range parts {
		evs = append(evs, provider.ProviderEvent{Type: provider.ProviderEventTextDelta, Delta: p})
	}
	return evs
}

func done() provider.ProviderEvent {
	return provider.ProviderEvent{Type: provider.ProviderEventDone, Usage: &provider.Usage{TotalTokens: 9}}
}

func newGen(t *testing.T, p provider.Provider, timeout time.Duration) *Generator {
	t.Helper()
	g, err := New(p, Config{Model: "coder", Timeout: timeout})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestGenerate_OrderedChunks(t *testing.T) {
	p := &scriptedProvider{events: append(textEvents("package ", "", "main", "\n"), done())}
	s, err := newGen(t, p, time.Second).Generate(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}

	var got []api.GenerationChunk
	for c := range s.Chunks() {
		got = append(got, c)
	}
	if s.Err() != nil {
		t.Fatalf("Err() = %v", s.Err())
	}
	want := []string{"package ", "main", "\n"}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(got), len(want))
	}
	for i, c := range got {
		if c.Index != i || c.Text != want[i] {
			t.Errorf("chunk %d = %+v, want {%d %q}", i, c, i, want[i])
		}
	}
	if s.Usage() == nil || s.Usage().TotalTokens != 9 {
		t.Errorf("usage = %+v", s.Usage())
	}
}

func TestGenerate_SendsSystemPromptAndModel(t *testing.T) {
	p := &scriptedProvider{events: []provider.ProviderEvent{done()}}
	s, err := newGen(t, p, time.Second).Generate(context.Background(), "sum 1..10", WithModel("other"))
	if err != nil {
		t.Fatal(err)
	}
	Collect(s)

	if p.lastReq.Model != "other" {
		t.Errorf("model = %q", p.lastReq.Model)
	}
	if p.lastReq.Messages[0].Content != SystemPrompt {
		t.Errorf("system prompt = %q", p.lastReq.Messages[0].Content)
	}
	for _, must := range []string{"main", "markdown fences"} {
		if !strings.Contains(SystemPrompt, must) {
			t.Errorf("system prompt lacks %q", must)
		}
	}
}

func TestGenerate_CancelReturnsPrefix(t *testing.T) {
	p := &scriptedProvider{events: textEvents("func ", "main"), hold: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := newGen(t, p, 10*time.Second).Generate(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	for c := range s.Chunks() {
		b.WriteString(c.Text)
		if c.Index == 1 {
			cancel()
		}
	}
	if b.String() != "func main" {
		t.Errorf("prefix = %q", b.String())
	}
	if api.KindOf(s.Err()) != api.KindGenerationCancelled {
		t.Errorf("Err() = %v, want generation_cancelled", s.Err())
	}
	if IsTimeout(s.Err()) {
		t.Error("caller cancellation reported as timeout")
	}
}

func TestGenerate_TimeoutIsCancellationClass(t *testing.T) {
	p := &scriptedProvider{events: textEvents("partial"), hold: true}
	s, err := newGen(t, p, 100*time.Millisecond).Generate(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	text, err := Collect(s)
	if text != "partial" {
		t.Errorf("text = %q", text)
	}
	if !api.IsCancelled(err) || !IsTimeout(err) {
		t.Errorf("err = %v, want cancellation flagged as timeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded in chain", err)
	}
}

func TestGenerate_BackendErrorIsFailure(t *testing.T) {
	p := &scriptedProvider{events: append(textEvents("a"), provider.ProviderEvent{
		Type: provider.ProviderEventError,
		Err:  api.NewModelError("backend exploded"),
	})}
	s, err := newGen(t, p, time.Second).Generate(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Collect(s)
	if api.KindOf(err) != api.KindGenerationFailure {
		t.Errorf("err = %v, want generation_failure", err)
	}
	if api.IsCancelled(err) {
		t.Error("failure classified as cancellation")
	}
	if !strings.Contains(err.Error(), "backend exploded") {
		t.Errorf("err = %v", err)
	}
}

func TestGenerate_StreamOpenError(t *testing.T) {
	p := &scriptedProvider{streamErr: provider.ModelNotFound("ghost", "")}
	_, err := newGen(t, p, time.Second).Generate(context.Background(), "x")
	if api.KindOf(err) != api.KindGenerationFailure || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("err = %v", err)
	}
}

func TestGenerate_UnsupportedModel(t *testing.T) {
	p := &scriptedProvider{models: []string{"coder"}}
	_, err := newGen(t, p, time.Second).Generate(context.Background(), "x", WithModel("gpt-9"))
	if err == nil || !strings.Contains(err.Error(), "gpt-9") {
		t.Errorf("err = %v, want model named", err)
	}
}

func TestGenerate_ProviderClosesEarly(t *testing.T) {
	p := &scriptedProvider{events: textEvents("x")}
	s, err := newGen(t, p, time.Second).Generate(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Collect(s); api.KindOf(err) != api.KindGenerationFailure {
		t.Errorf("err = %v, want failure", err)
	}
}

func TestStream_Close(t *testing.T) {
	p := &scriptedProvider{events: textEvents("a"), hold: true}
	s, err := newGen(t, p, 10*time.Second).Generate(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	<-s.Chunks()
	s.Close()
	for range s.Chunks() {
	}
	if api.KindOf(s.Err()) != api.KindGenerationCancelled {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestCode(t *testing.T) {
	reply := "Here you go:\n```go\npackage main\n\nfunc main() {}\n```\n"
	p := &scriptedProvider{events: append(textEvents(reply), done())}
	res := newGen(t, p, time.Second).Code(context.Background(), "x")
	if !res.Success || res.Code != "package main\n\nfunc main() {}" {
		t.Errorf("result = %+v", res)
	}
}

func TestCode_Cancelled(t *testing.T) {
	p := &scriptedProvider{hold: true}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := newGen(t, p, 10*time.Second).Code(ctx, "x")
	if res.Success || res.Error != "Cancelled" {
		t.Errorf("result = %+v", res)
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected error")
	}
}

// blockingProvider only answers non-streaming calls.
type blockingProvider struct {
	scriptedProvider
	reply   string
	err     error
	lastReq *provider.ProviderRequest
}

func (p *blockingProvider) Capabilities() provider.ProviderCapabilities {
	return provider.ProviderCapabilities{}
}

func (p *blockingProvider) Complete(_ context.Context, req *provider.ProviderRequest) (*provider.ProviderResponse, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &provider.ProviderResponse{Text: p.reply, Usage: provider.Usage{TotalTokens: 4}}, nil
}

func TestGenerate_NonStreamingBackend(t *testing.T) {
	temp := 0.1
	p := &blockingProvider{reply: "package main\n\nfunc main() {}\n"}
	g, err := New(p, Config{Model: "coder", Temperature: &temp, MaxTokens: 256})
	if err != nil {
		t.Fatal(err)
	}
	s, err := g.Generate(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	var chunks []api.GenerationChunk
	for c := range s.Chunks() {
		chunks = append(chunks, c)
	}
	if s.Err() != nil {
		t.Fatalf("Err = %v", s.Err())
	}
	if len(chunks) != 1 || chunks[0].Text != p.reply {
		t.Errorf("chunks = %+v", chunks)
	}
	if s.Usage() == nil || s.Usage().TotalTokens != 4 {
		t.Errorf("usage = %+v", s.Usage())
	}
	req := p.lastReq
	if req.Stream || req.Temperature == nil || *req.Temperature != 0.1 || req.MaxTokens == nil || *req.MaxTokens != 256 {
		t.Errorf("request = %+v", req)
	}
}

func TestGenerate_NonStreamingFailure(t *testing.T) {
	p := &blockingProvider{err: api.NewServerError("backend down")}
	s, err := newGen(t, p, time.Second).Generate(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	text, err := Collect(s)
	if text != "" || err == nil || api.IsCancelled(err) {
		t.Errorf("text = %q, err = %v", text, err)
	}
}
