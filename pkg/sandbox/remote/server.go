package remote

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/sandbox"
)

// maxRequestBytes bounds the JSON body of POST /execute.
const maxRequestBytes = 4 << 20

// RunnerFactory builds a runner honoring the given execution timeout.
type RunnerFactory func(timeout time.Duration) sandbox.Runner

// ServerConfig configures a sandbox Server.
type ServerConfig struct {
	// MaxConcurrent is the number of runs admitted at once; more get 429.
	MaxConcurrent int

	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration

	// MaxTimeout caps the timeout a client may ask for.
	MaxTimeout time.Duration
}

// Server is the HTTP side of the remote runner.
type Server struct {
	cfg         ServerConfig
	newRunner   RunnerFactory
	currentLoad atomic.Int32
	startTime   time.Time
	runnerName  string
}

// NewServer creates a sandbox server that executes through runners built
// by newRunner.
func NewServer(cfg ServerConfig, newRunner RunnerFactory) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = sandbox.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 5 * time.Minute
	}
	return &Server{
		cfg:        cfg,
		newRunner:  newRunner,
		startTime:  time.Now(),
		runnerName: newRunner(cfg.DefaultTimeout).Name(),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if int(current) > s.cfg.MaxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.cfg.MaxConcurrent))
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	timeout := req.timeout()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	timeout = min(timeout, s.cfg.MaxTimeout)

	slog.Info("execute request",
		"artifact_id", req.ArtifactID,
		"source", debug.Truncate(req.Source, 120),
		"timeout", timeout,
	)

	res, err := s.newRunner(timeout).Execute(r.Context(), req.artifact())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("execute complete",
		"artifact_id", req.ArtifactID,
		"outcome", res.Outcome,
		"duration_ms", res.Duration.Milliseconds(),
		"output_len", len(res.Output),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(responseFor(res))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:      "healthy",
		Runner:      s.runnerName,
		Capacity:    s.cfg.MaxConcurrent,
		CurrentLoad: int(s.currentLoad.Load()),
		UptimeSecs:  int64(time.Since(s.startTime).Seconds()),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: &api.APIError{
		Type:    errorTypeFor(status),
		Message: message,
	}})
}

func errorTypeFor(status int) api.ErrorType {
	switch status {
	case http.StatusTooManyRequests:
		return api.ErrorTypeTooManyRequests
	case http.StatusBadRequest:
		return api.ErrorTypeInvalidRequest
	}
	return api.ErrorTypeServerError
}
