package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/promptrun/pkg/api"
)

// NewRequestID returns a fresh request ID.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// RequestID makes sure every run has a request ID in its context, keeping
// one set by the HTTP adapter from X-Request-ID.
func RequestID() Middleware {
	return func(next RunCreator) RunCreator {
		return RunCreatorFunc(func(ctx context.Context, req *api.RunRequest, emit func(api.Event)) (*api.Run, error) {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, NewRequestID())
			}
			return next.Run(ctx, req, emit)
		})
	}
}
