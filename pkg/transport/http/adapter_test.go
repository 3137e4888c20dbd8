package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/compiler"
	"github.com/rhuss/promptrun/pkg/engine"
	"github.com/rhuss/promptrun/pkg/generate"
	"github.com/rhuss/promptrun/pkg/provider"
	"github.com/rhuss/promptrun/pkg/sandbox"
	"github.com/rhuss/promptrun/pkg/storage"
	"github.com/rhuss/promptrun/pkg/storage/memory"
)

const helloReply = "Here you go:\n```go\npackage main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"hi\")\n}\n```\n"

// scriptedProvider streams a fixed reply. With hold set it stalls after
// the reply until the request context ends.
type scriptedProvider struct {
	reply string
	hold  bool
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Capabilities() provider.ProviderCapabilities {
	return provider.ProviderCapabilities{Streaming: true}
}
func (p *scriptedProvider) Complete(context.Context, *provider.ProviderRequest) (*provider.ProviderResponse, error) {
	return nil, errors.New("not used")
}
func (p *scriptedProvider) ListModels(context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (p *scriptedProvider) Close() error                                             { return nil }

func (p *scriptedProvider) Stream(ctx context.Context, _ *provider.ProviderRequest) (<-chan provider.ProviderEvent, error) {
	ch := make(chan provider.ProviderEvent)
	go func() {
		defer close(ch)
		for _, part := range strings.SplitAfter(p.reply, "\n") {
			select {
			case ch <- provider.ProviderEvent{Type: provider.ProviderEventTextDelta, Delta: part}:
			case <-ctx.Done():
				return
			}
		}
		if p.hold {
			<-ctx.Done()
			return
		}
		select {
		case ch <- provider.ProviderEvent{Type: provider.ProviderEventDone}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

type testEnv struct {
	srv     *httptest.Server
	adapter *Adapter
	store   *memory.Store
}

func newTestEnv(t *testing.T, p provider.Provider, withStore bool) *testEnv {
	t.Helper()
	gen, err := generate.New(p, generate.Config{Model: "coder", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	var store *memory.Store
	var runStore storage.RunStore
	if withStore {
		store = memory.New(0)
		runStore = store
	}
	eng, err := engine.New(gen, compiler.New(), sandbox.NewInterpreter(sandbox.Config{Timeout: 5 * time.Second}), runStore, engine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	a := NewAdapter(eng, runStore, Config{MaxBodySize: 4096})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, adapter: a, store: store}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

// readEvents parses an SSE body into events and reports whether the
// stream ended with [DONE].
func readEvents(t *testing.T, r io.Reader) ([]api.Event, bool) {
	t.Helper()
	var events []api.Event
	done := false
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done = true
			continue
		}
		var ev api.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("bad event %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events, done
}

func TestCreateRun_JSON(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, true)

	resp := env.post(t, "/v1/runs", api.RunRequest{Prompt: "say hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	runID := resp.Header.Get("X-Run-ID")
	run := decodeBody[api.Run](t, resp)

	if run.Status != api.RunStatusCompleted {
		t.Fatalf("status = %q (%s)", run.Status, run.Error)
	}
	if run.ID != runID {
		t.Errorf("X-Run-ID = %q, body id = %q", runID, run.ID)
	}
	if run.Result == nil || run.Result.Output != "hi\n" {
		t.Errorf("result = %+v", run.Result)
	}
	if _, err := env.store.GetRun(context.Background(), run.ID); err != nil {
		t.Errorf("run not stored: %v", err)
	}
}

func TestCreateRun_Stream(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, true)

	resp := env.post(t, "/v1/runs", api.RunRequest{Prompt: "say hi", Stream: true})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events, done := readEvents(t, resp.Body)
	if !done {
		t.Error("stream did not end with [DONE]")
	}
	if len(events) < 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Type != api.EventRunCreated {
		t.Errorf("first event = %q", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != api.EventRunCompleted || last.Run == nil || last.Run.Result.Output != "hi\n" {
		t.Errorf("last event = %+v", last)
	}
	for i, ev := range events {
		if ev.SequenceNumber != i {
			t.Errorf("event %d has sequence %d", i, ev.SequenceNumber)
		}
		if ev.RunID != events[0].RunID {
			t.Errorf("event %d run id = %q", i, ev.RunID)
		}
	}
}

func TestCreateRun_AcceptHeaderStreams(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, false)

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/runs", strings.NewReader(`{"prompt":"say hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if _, done := readEvents(t, resp.Body); !done {
		t.Error("expected an SSE stream")
	}
}

func TestCreateRun_BadRequests(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, false)

	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
	}{
		{"empty prompt", "application/json", `{"prompt":""}`, http.StatusBadRequest},
		{"invalid json", "application/json", `{"prompt":`, http.StatusBadRequest},
		{"unknown field", "application/json", `{"prompt":"x","temperature":1}`, http.StatusBadRequest},
		{"wrong content type", "text/plain", `{"prompt":"x"}`, http.StatusUnsupportedMediaType},
		{"too large", "application/json", `{"prompt":"` + strings.Repeat("a", 8192) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.srv.URL+"/v1/runs", tt.contentType, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			e := decodeBody[api.ErrorResponse](t, resp)
			if e.Error == nil || e.Error.Type != api.ErrorTypeInvalidRequest {
				t.Errorf("error = %+v", e.Error)
			}
		})
	}
}

func TestCreateRun_CancelInFlight(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: "package main", hold: true}, true)

	resp := env.post(t, "/v1/runs", api.RunRequest{Prompt: "hang", Stream: true})
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var created api.Event
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			if err := json.Unmarshal([]byte(data), &created); err != nil {
				t.Fatal(err)
			}
			break
		}
	}
	if created.Type != api.EventRunCreated {
		t.Fatalf("first event = %q", created.Type)
	}

	cancel := env.do(t, http.MethodPost, "/v1/runs/"+created.RunID+"/cancel")
	cancel.Body.Close()
	if cancel.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d", cancel.StatusCode)
	}

	var last api.Event
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok && data != "[DONE]" {
			json.Unmarshal([]byte(data), &last)
		}
	}
	if last.Type != api.EventRunCancelled {
		t.Errorf("last event = %q, want run.cancelled", last.Type)
	}

	run, err := env.store.GetRun(context.Background(), created.RunID)
	if err != nil {
		t.Fatalf("cancelled run not stored: %v", err)
	}
	if run.Status != api.RunStatusCancelled {
		t.Errorf("stored status = %q", run.Status)
	}
	if env.adapter.InFlight().Len() != 0 {
		t.Error("run still tracked after completion")
	}
}

func TestCancelRun_NotInFlight(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, true)
	resp := env.do(t, http.MethodPost, "/v1/runs/"+api.NewRunID()+"/cancel")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStoredRuns(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, true)

	var ids []string
	for range 3 {
		run := decodeBody[api.Run](t, env.post(t, "/v1/runs", api.RunRequest{Prompt: "say hi"}))
		ids = append(ids, run.ID)
	}

	got := decodeBody[api.Run](t, env.do(t, http.MethodGet, "/v1/runs/"+ids[1]))
	if got.ID != ids[1] || got.Status != api.RunStatusCompleted {
		t.Errorf("GET run = %+v", got)
	}

	list := decodeBody[api.RunList](t, env.do(t, http.MethodGet, "/v1/runs?limit=2&status=completed"))
	if len(list.Data) != 2 || !list.HasMore {
		t.Errorf("list = %d items, has_more=%v", len(list.Data), list.HasMore)
	}

	del := env.do(t, http.MethodDelete, "/v1/runs/"+ids[0])
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", del.StatusCode)
	}
	again := env.do(t, http.MethodGet, "/v1/runs/"+ids[0])
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", again.StatusCode)
	}
}

func TestStoredRuns_Errors(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, true)
	tests := []struct {
		method, path string
		status       int
	}{
		{http.MethodGet, "/v1/runs/bogus", http.StatusBadRequest},
		{http.MethodGet, "/v1/runs/" + api.NewRunID(), http.StatusNotFound},
		{http.MethodDelete, "/v1/runs/bogus", http.StatusBadRequest},
		{http.MethodDelete, "/v1/runs/" + api.NewRunID(), http.StatusNotFound},
		{http.MethodGet, "/v1/runs?order=sideways", http.StatusBadRequest},
		{http.MethodPut, "/v1/runs", http.StatusMethodNotAllowed},
		{http.MethodGet, "/v1/nothing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path)
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestStoredRuns_NoStore(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, false)
	for _, path := range []string{"/v1/runs", "/v1/runs/" + api.NewRunID()} {
		resp := env.do(t, http.MethodGet, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("GET %s = %d, want 501", path, resp.StatusCode)
		}
	}
}

func TestParseListOptions(t *testing.T) {
	tests := []struct {
		query   string
		want    storage.ListOptions
		wantErr string
	}{
		{"", storage.ListOptions{}, ""},
		{"after=a&limit=5&order=asc", storage.ListOptions{After: "a", Limit: 5, Order: "asc"}, ""},
		{"model=coder&status=failed", storage.ListOptions{Model: "coder", Status: api.RunStatusFailed}, ""},
		{"after=a&before=b", storage.ListOptions{}, "after"},
		{"limit=0", storage.ListOptions{}, "limit"},
		{"limit=abc", storage.ListOptions{}, "limit"},
		{"limit=101", storage.ListOptions{}, "limit"},
		{"order=up", storage.ListOptions{}, "order"},
		{"status=generating", storage.ListOptions{}, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/runs?"+tt.query, nil)
			got, apiErr := parseListOptions(r)
			if tt.wantErr != "" {
				if apiErr == nil || apiErr.Param != tt.wantErr {
					t.Errorf("error = %+v, want param %q", apiErr, tt.wantErr)
				}
				return
			}
			if apiErr != nil {
				t.Fatalf("unexpected error: %v", apiErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGenerate_JSON(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, false)

	res := decodeBody[api.GenerationResult](t, env.post(t, "/v1/generate", api.GenerateRequest{Prompt: "say hi"}))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Code, "package main") || strings.Contains(res.Code, "```") {
		t.Errorf("code not extracted: %q", res.Code)
	}
}

func TestGenerate_Stream(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{reply: helloReply}, false)

	resp := env.post(t, "/v1/generate", api.GenerateRequest{Prompt: "say hi", Stream: true})
	defer resp.Body.Close()
	events, done := readEvents(t, resp.Body)
	if !done {
		t.Error("stream did not end with [DONE]")
	}
	if len(events) < 2 {
		t.Fatalf("got %d events", len(events))
	}

	var deltas strings.Builder
	for _, ev := range events[:len(events)-1] {
		if ev.Type != api.EventGenerationDelta {
			t.Errorf("unexpected event %q", ev.Type)
		}
		deltas.WriteString(ev.Delta)
	}
	last := events[len(events)-1]
	if last.Type != api.EventGenerationDone || last.Text != helloReply || last.Error != nil {
		t.Errorf("last event = %+v", last)
	}
	if deltas.String() != helloReply {
		t.Errorf("deltas = %q", deltas.String())
	}
}

func TestCompile(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, false)

	ok := decodeBody[api.CompileResult](t, env.post(t, "/v1/compile", api.CompileRequest{Source: "package main\n\nfunc main() {}\n"}))
	if !ok.Success || ok.Artifact == nil {
		t.Errorf("compile = %+v", ok)
	}

	resp := env.post(t, "/v1/compile", api.CompileRequest{Source: "package main\n\nfunc main() { x := }\n"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 for a compile failure", resp.StatusCode)
	}
	bad := decodeBody[api.CompileResult](t, resp)
	if bad.Success || len(bad.Diagnostics) == 0 {
		t.Errorf("compile = %+v", bad)
	}
}

func TestExecute(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, false)

	src := "package main\n\nimport \"fmt\"\n\nfunc main() { fmt.Print(6 * 7) }\n"
	res := decodeBody[api.ExecuteResponse](t, env.post(t, "/v1/execute", api.ExecuteRequest{Source: src}))
	if res.Result == nil || !res.Result.Success || res.Result.Output != "42" {
		t.Errorf("execute = %+v", res.Result)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, false)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-from-client")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-from-client" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

type unhealthyStore struct{ storage.RunStore }

func (unhealthyStore) HealthCheck(context.Context) error { return errors.New("db down") }

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, true)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp := env.do(t, http.MethodGet, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}

	a := NewAdapter(nil, unhealthyStore{}, DefaultConfig())
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing store = %d, want 503", rec.Code)
	}
}
