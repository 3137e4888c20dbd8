package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
)

// Logging logs one line per run with its outcome.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next RunCreator) RunCreator {
		return RunCreatorFunc(func(ctx context.Context, req *api.RunRequest, emit func(api.Event)) (*api.Run, error) {
			start := time.Now()
			run, err := next.Run(ctx, req, emit)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("model", req.Model),
				slog.Bool("stream", req.Stream),
				slog.Duration("duration", time.Since(start)),
			}
			if run != nil {
				attrs = append(attrs, slog.String("run_id", run.ID), slog.String("status", string(run.Status)))
				if run.ErrorKind != "" {
					attrs = append(attrs, slog.String("error_kind", string(run.ErrorKind)))
				}
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "run failed", attrs...)
				return run, err
			}
			logger.LogAttrs(ctx, slog.LevelInfo, "run finished", attrs...)
			return run, nil
		})
	}
}
