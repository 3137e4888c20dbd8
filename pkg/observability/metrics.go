// Package observability provides Prometheus metrics, OpenTelemetry tracing
// setup, and HTTP middleware for the promptrun server.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rhuss/promptrun/pkg/api"
)

// LLMBuckets covers model streaming latencies from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// ExecutionBuckets covers sandbox run times from 1ms to the 30s default timeout.
var ExecutionBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}

var (
	// RequestsTotal counts HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrun_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptrun_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks active SSE streams.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptrun_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// GenerationsTotal counts generation calls by outcome.
	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrun_generations_total",
			Help: "Generation calls",
		},
		[]string{"provider", "model", "status"},
	)

	// GenerationLatency records the wall time of a whole generation stream.
	GenerationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptrun_generation_latency_seconds",
			Help:    "Generation latency",
			Buckets: LLMBuckets,
		},
		[]string{"provider", "model"},
	)

	// GenerationChunksTotal counts streamed chunks.
	GenerationChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrun_generation_chunks_total",
			Help: "Generated chunks",
		},
		[]string{"provider", "model"},
	)

	// CompilationsTotal counts compilations by result.
	CompilationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrun_compilations_total",
			Help: "Compilations",
		},
		[]string{"status"},
	)

	// CompileDuration records compilation time in seconds.
	CompileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promptrun_compile_duration_seconds",
			Help:    "Compilation duration",
			Buckets: ExecutionBuckets,
		},
	)

	// DiagnosticsTotal counts reported diagnostics by severity.
	DiagnosticsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrun_compile_diagnostics_total",
			Help: "Compiler diagnostics",
		},
		[]string{"severity"},
	)

	// ExecutionsTotal counts sandbox executions by runner and outcome.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrun_executions_total",
			Help: "Sandbox executions",
		},
		[]string{"runner", "outcome"},
	)

	// ExecutionDuration records sandbox execution time in seconds.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptrun_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"runner"},
	)

	// SandboxesActive tracks sandboxes between loading and unloading.
	SandboxesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptrun_sandboxes_active",
			Help: "Active sandboxes",
		},
	)

	// DetachedWorkers tracks workers still running after their run timed out.
	DetachedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptrun_sandbox_detached_workers",
			Help: "Timed-out sandbox workers that have not returned",
		},
	)

	// RunsTotal counts full pipeline runs by final status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrun_runs_total",
			Help: "Pipeline runs",
		},
		[]string{"status"},
	)

	// RunDuration records the wall time of a full pipeline run.
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promptrun_run_duration_seconds",
			Help:    "Pipeline run duration",
			Buckets: LLMBuckets,
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptrun_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		GenerationsTotal,
		GenerationLatency,
		GenerationChunksTotal,
		CompilationsTotal,
		CompileDuration,
		DiagnosticsTotal,
		ExecutionsTotal,
		ExecutionDuration,
		SandboxesActive,
		DetachedWorkers,
		RunsTotal,
		RunDuration,
		RateLimitRejectedTotal,
	)
}

// RecordCompile records one compilation.
func RecordCompile(r *api.CompileResult, d time.Duration) {
	status := "success"
	if !r.Success {
		status = "failure"
	}
	CompilationsTotal.WithLabelValues(status).Inc()
	CompileDuration.Observe(d.Seconds())
	for _, diag := range r.Diagnostics {
		DiagnosticsTotal.WithLabelValues(string(diag.Severity)).Inc()
	}
}

// RecordExecution records one sandbox execution.
func RecordExecution(runner string, r *api.ExecutionResult) {
	ExecutionsTotal.WithLabelValues(runner, string(r.Outcome)).Inc()
	ExecutionDuration.WithLabelValues(runner).Observe(r.Duration.Seconds())
}

// RecordGeneration records one finished generation stream. status is
// "completed", "failed" or "cancelled".
func RecordGeneration(provider, model, status string, chunks int, d time.Duration) {
	GenerationsTotal.WithLabelValues(provider, model, status).Inc()
	GenerationLatency.WithLabelValues(provider, model).Observe(d.Seconds())
	GenerationChunksTotal.WithLabelValues(provider, model).Add(float64(chunks))
}

// RecordRun records one finished pipeline run.
func RecordRun(status api.RunStatus, d time.Duration) {
	RunsTotal.WithLabelValues(string(status)).Inc()
	RunDuration.Observe(d.Seconds())
}
