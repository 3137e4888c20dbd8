package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/promptrun/pkg/api"
)

// Recovery turns a panic inside a run into a server error.
func Recovery() Middleware {
	return func(next RunCreator) RunCreator {
		return RunCreatorFunc(func(ctx context.Context, req *api.RunRequest, emit func(api.Event)) (run *api.Run, err error) {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "panic in run", "panic", r, "request_id", RequestIDFromContext(ctx), "stack", string(debug.Stack()))
					run, err = nil, api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.Run(ctx, req, emit)
		})
	}
}
