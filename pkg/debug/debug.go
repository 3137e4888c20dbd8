// Package debug provides category-gated debug logging.
//
// Categories select which subsystems emit debug output and are set with
// PROMPTRUN_DEBUG (comma separated) or the logging.debug config key:
// providers, generate, compiler, sandbox, engine, storage, http, mcp, auth, all.
//
// The log level comes from PROMPTRUN_LOG_LEVEL or logging.level:
// TRACE, DEBUG, INFO, WARN, ERROR.
//
//	debug.Log("sandbox", "state", "from", from, "to", to)
package debug

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
)

// LevelTrace is below slog.LevelDebug. Generated source and raw model
// output are only logged at this level.
const LevelTrace = slog.LevelDebug - 4

// Environment variables that override configuration.
const (
	EnvCategories = "PROMPTRUN_DEBUG"
	EnvLevel      = "PROMPTRUN_LOG_LEVEL"
)

// categories is written by Init at startup and read-only afterwards.
var categories = parseCategories(os.Getenv(EnvCategories))

// Options configures the process logger.
type Options struct {
	Categories string
	Level      string
	// Format is "json" or "text".
	Format string
	Output io.Writer
	// Wrap decorates the base handler, e.g. to attach trace ids.
	Wrap func(slog.Handler) slog.Handler
}

// Init installs the default slog logger. Environment variables take
// precedence over the supplied options.
func Init(opts Options) *slog.Logger {
	cats := os.Getenv(EnvCategories)
	if cats == "" {
		cats = opts.Categories
	}
	categories = parseCategories(cats)

	level := os.Getenv(EnvLevel)
	if level == "" {
		level = opts.Level
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handler := NewHandler(out, opts.Format, ParseLevel(level))
	if opts.Wrap != nil {
		handler = opts.Wrap(handler)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// NewHandler builds a JSON or text handler at the given level.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	ho := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, ho)
	}
	return slog.NewTextHandler(w, ho)
}

// Enabled reports whether category, or "all", is switched on.
func Enabled(category string) bool {
	return categories["all"] || categories[category]
}

// Log writes a debug record tagged with category when it is enabled.
func Log(category string, msg string, args ...any) {
	emit(context.Background(), slog.LevelDebug, category, msg, args)
}

// LogContext is Log with a context, so trace ids reach the record.
func LogContext(ctx context.Context, category string, msg string, args ...any) {
	emit(ctx, slog.LevelDebug, category, msg, args)
}

// Trace is Log at LevelTrace.
func Trace(category string, msg string, args ...any) {
	emit(context.Background(), LevelTrace, category, msg, args)
}

func emit(ctx context.Context, level slog.Level, category, msg string, args []any) {
	if !Enabled(category) {
		return
	}
	slog.Log(ctx, level, msg, append([]any{"debug", category}, args...)...)
}

// ParseLevel converts a level string to a slog.Level. Unknown values map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories returns the enabled categories, sorted.
func Categories() []string {
	return slices.Sorted(maps.Keys(categories))
}

// Truncate cuts s to n bytes, marking the cut with "...".
func Truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func parseCategories(s string) map[string]bool {
	set := map[string]bool{}
	for field := range strings.SplitSeq(strings.ToLower(s), ",") {
		if field = strings.TrimSpace(field); field != "" {
			set[field] = true
		}
	}
	return set
}
