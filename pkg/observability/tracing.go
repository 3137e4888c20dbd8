package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracingOptions configures the global tracer provider.
type TracingOptions struct {
	// Exporter is "none" or "stdout".
	Exporter    string
	ServiceName string
	Version     string
	InstanceID  string
	// SampleRatio is the fraction of root spans recorded (0 to 1).
	SampleRatio float64
	// Output receives stdout exports; defaults to os.Stdout.
	Output io.Writer
	// SpanExporter overrides Exporter, mainly for tests.
	SpanExporter sdktrace.SpanExporter
}

// SetupTracing installs the global tracer provider and propagator. The
// returned shutdown flushes pending spans. With exporter "none" and no
// SpanExporter, only the propagator is installed.
func SetupTracing(ctx context.Context, opts TracingOptions) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	exporter := opts.SpanExporter
	if exporter == nil {
		switch opts.Exporter {
		case "", "none":
			return func(context.Context) error { return nil }, nil
		case "stdout":
			out := opts.Output
			if out == nil {
				out = os.Stdout
			}
			exporter, err = stdouttrace.New(stdouttrace.WithWriter(out))
			if err != nil {
				return nil, fmt.Errorf("creating stdout exporter: %w", err)
			}
		default:
			return nil, fmt.Errorf("unknown trace exporter %q", opts.Exporter)
		}
	}

	name := opts.ServiceName
	if name == "" {
		name = "promptrun"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(opts.Version),
		semconv.ServiceInstanceID(opts.InstanceID),
		attribute.String("promptrun.component", "server"),
	)

	ratio := opts.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}
