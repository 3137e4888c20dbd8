package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
)

func TestClient_Execute(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantErr     bool
		wantOutcome api.Outcome
		wantOutput  string
	}{
		{
			name: "successful execution",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(ExecuteResponse{
					Outcome: api.OutcomeCompleted,
					Output:  "42\n",
				})
			},
			wantOutcome: api.OutcomeCompleted,
			wantOutput:  "42\n",
		},
		{
			name: "timed out run",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(ExecuteResponse{
					Outcome: api.OutcomeTimedOut,
					Output:  "partial",
					Error:   api.MessageTimedOut,
				})
			},
			wantOutcome: api.OutcomeTimedOut,
			wantOutput:  "partial",
		},
		{
			name: "sandbox at capacity (429)",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantErr: true,
		},
		{
			name: "sandbox server error (500)",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("boom"))
			},
			wantErr: true,
		},
		{
			name: "invalid JSON response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			wantErr: true,
		},
		{
			name: "missing outcome",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"output":"x"}`))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			resp, err := NewClient().Execute(context.Background(), srv.URL, &ExecuteRequest{Source: "package main"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", resp.Outcome, tt.wantOutcome)
			}
			if resp.Output != tt.wantOutput {
				t.Errorf("output = %q, want %q", resp.Output, tt.wantOutput)
			}
		})
	}
}

func TestClient_ExecuteAtCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient().Execute(context.Background(), srv.URL, &ExecuteRequest{Source: "x"})
	if !errors.Is(err, ErrAtCapacity) {
		t.Errorf("err = %v, want ErrAtCapacity", err)
	}
}

func TestClient_ExecuteSendsRequest(t *testing.T) {
	var got ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/execute" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ExecuteResponse{Outcome: api.OutcomeCompleted})
	}))
	defer srv.Close()

	art := &api.Artifact{ID: "a1", Source: []byte("package main"), AllowUnsafe: true}
	if _, err := NewClient().Execute(context.Background(), srv.URL+"/", requestFor(art, 3*time.Second)); err != nil {
		t.Fatal(err)
	}
	if got.ArtifactID != "a1" || got.Source != "package main" || !got.AllowUnsafe || got.TimeoutMs != 3000 {
		t.Errorf("request = %+v", got)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := NewClient().Execute(ctx, srv.URL, &ExecuteRequest{Source: "x"}); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Capacity: 3})
	}))
	defer srv.Close()

	h, err := NewClient().Health(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "healthy" || h.Capacity != 3 {
		t.Errorf("health = %+v", h)
	}
}
