package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/compiler"
)

type countingAcquirer struct {
	url      string
	acquired int
	released int
	err      error
}

func (a *countingAcquirer) Acquire(ctx context.Context) (string, func(), error) {
	if a.err != nil {
		return "", nil, a.err
	}
	a.acquired++
	return a.url, func() { a.released++ }, nil
}

func compileArtifact(t *testing.T, src string) *api.Artifact {
	t.Helper()
	r := compiler.New().Compile(context.Background(), src, api.CompileOptions{})
	if !r.Success {
		t.Fatalf("compile failed: %v", r.Messages())
	}
	return r.Artifact
}

func TestRunner_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(NewServer(ServerConfig{}, interpreterFactory).Handler())
	defer srv.Close()

	acq := &countingAcquirer{url: srv.URL}
	r := NewRunner(acq, nil, 5*time.Second)
	if r.Name() != Name {
		t.Errorf("Name() = %q", r.Name())
	}

	res, err := r.Execute(context.Background(), compileArtifact(t, helloWorld))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "hello from the sandbox\n" {
		t.Errorf("result = %+v", res)
	}
	if acq.acquired != 1 || acq.released != 1 {
		t.Errorf("acquired=%d released=%d, want 1/1", acq.acquired, acq.released)
	}
}

func TestRunner_RemoteTimeout(t *testing.T) {
	srv := httptest.NewServer(NewServer(ServerConfig{}, interpreterFactory).Handler())
	defer srv.Close()

	src := `package main

import (
	"fmt"
	"time"
)

func main() {
	fmt.Print("tick")
	time.Sleep(5 * time.Second)
}
`
	r := NewRunner(StaticAcquirer{URL: srv.URL}, nil, 200*time.Millisecond)
	res, err := r.Execute(context.Background(), compileArtifact(t, src))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != api.OutcomeTimedOut || res.Error != api.MessageTimedOut || res.Output != "tick" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunner_AcquireError(t *testing.T) {
	r := NewRunner(&countingAcquirer{err: errors.New("no pods")}, nil, time.Second)
	_, err := r.Execute(context.Background(), compileArtifact(t, helloWorld))
	if err == nil || !strings.Contains(err.Error(), "no pods") {
		t.Errorf("err = %v, want acquire failure", err)
	}
}

func TestRunner_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := NewRunner(StaticAcquirer{URL: srv.URL}, nil, time.Second).Execute(ctx, compileArtifact(t, helloWorld))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != api.OutcomeCancelled {
		t.Errorf("outcome = %q, want cancelled", res.Outcome)
	}
}

func TestStaticAcquirer_EmptyURL(t *testing.T) {
	if _, _, err := (StaticAcquirer{}).Acquire(context.Background()); err == nil {
		t.Error("expected error for empty URL")
	}
}
