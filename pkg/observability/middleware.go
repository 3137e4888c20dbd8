package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
)

// MetricsMiddleware records promptrun_requests_total and
// promptrun_request_duration_seconds per route, and holds
// promptrun_streaming_connections_active up while an SSE response is open.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if sw.streaming {
			StreamingConnections.Dec()
		}

		route := RouteLabel(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status/100)+"xx", route).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RouteLabel maps a request path to a bounded label: run IDs collapse to
// {id} and unknown paths to "other".
func RouteLabel(path string) string {
	switch {
	case path == "/healthz", path == "/readyz", path == "/metrics":
		return path
	case strings.HasPrefix(path, "/mcp"):
		return "/mcp"
	case !strings.HasPrefix(path, "/v1/"):
		return "other"
	}
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	for i, p := range parts {
		if api.ValidateRunID(p) {
			parts[i] = "{id}"
		}
	}
	if len(parts) > 4 {
		return "other"
	}
	return strings.Join(parts, "/")
}

// statusWriter captures the status code and notices SSE responses from
// their Content-Type.
type statusWriter struct {
	http.ResponseWriter
	status    int
	written   bool
	streaming bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
		if strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream") {
			w.streaming = true
			StreamingConnections.Inc()
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush is required for SSE through the middleware.
func (w *statusWriter) Flush() {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
