package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/observability"
	"github.com/rhuss/promptrun/pkg/storage"
)

// DefaultBypass lists path prefixes served without authentication.
var DefaultBypass = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates every request not under a bypass prefix. The
// identity and its tenant are attached to the request context; a nil
// limiter disables rate limiting.
func Middleware(chain *Chain, limiter RateLimiter, bypass []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypassed(r.URL.Path, bypass) {
				next.ServeHTTP(w, r)
				return
			}

			res := chain.Authenticate(r.Context(), r)
			if res.Decision != Yes || res.Identity == nil {
				slog.Warn("authentication failed", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", res.Err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="promptrun"`)
				writeError(w, http.StatusUnauthorized, api.NewUnauthorizedError(ErrUnauthenticated.Error()))
				return
			}
			id := res.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned an identity without subject")
				writeError(w, http.StatusInternalServerError, api.NewServerError("internal authentication error"))
				return
			}

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.Tier())
					observability.RateLimitRejectedTotal.WithLabelValues(id.Tier()).Inc()
					w.Header().Set("Retry-After", "60")
					writeError(w, http.StatusTooManyRequests, api.NewTooManyRequestsError(err.Error()))
					return
				}
			}

			debug.Log("auth", "authenticated", "subject", id.Subject, "tenant", id.TenantID, "path", r.URL.Path)
			ctx := WithIdentity(r.Context(), id)
			if id.TenantID != "" {
				ctx = storage.SetTenant(ctx, id.TenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bypassed(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, e *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: e})
}
