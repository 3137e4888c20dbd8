package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/observability"
	"github.com/rhuss/promptrun/pkg/sandbox"
)

var tracer = otel.Tracer("github.com/rhuss/promptrun/pkg/sandbox/remote")

// Name is the runner name used in metrics and logs.
const Name = "remote"

// Acquirer hands out sandbox server URLs. Implementations exist for a fixed
// URL and for Kubernetes SandboxClaims.
type Acquirer interface {
	// Acquire returns a sandbox base URL. The release function must be
	// called once execution is finished.
	Acquire(ctx context.Context) (sandboxURL string, release func(), err error)
}

// StaticAcquirer always returns the same URL.
type StaticAcquirer struct {
	URL string
}

// Acquire returns the configured URL and a no-op release.
func (a StaticAcquirer) Acquire(ctx context.Context) (string, func(), error) {
	if a.URL == "" {
		return "", nil, errors.New("sandbox url is empty")
	}
	return a.URL, func() {}, ctx.Err()
}

// Runner executes artifacts on remote sandbox servers.
type Runner struct {
	acquirer Acquirer
	client   *Client
	timeout  time.Duration
}

var _ sandbox.Runner = (*Runner)(nil)

// NewRunner creates a remote runner. A zero timeout uses the sandbox default.
func NewRunner(acquirer Acquirer, client *Client, timeout time.Duration) *Runner {
	if client == nil {
		client = NewClient()
	}
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	return &Runner{acquirer: acquirer, client: client, timeout: timeout}
}

// Name returns the runner name.
func (r *Runner) Name() string { return Name }

// Execute acquires a sandbox, runs the artifact there and releases it.
// Caller cancellation is reported as a cancelled result, matching the
// in-process runner.
func (r *Runner) Execute(ctx context.Context, art *api.Artifact) (*api.ExecutionResult, error) {
	if art == nil {
		return nil, errors.New("sandbox: nil artifact")
	}
	ctx, span := tracer.Start(ctx, "remote.Execute", trace.WithAttributes(
		attribute.String("artifact.id", art.ID),
		attribute.String("runner", Name),
	))
	defer span.End()

	start := time.Now()
	result, err := r.execute(ctx, art)
	if err != nil {
		if ctx.Err() != nil {
			result = api.Failed(api.OutcomeCancelled, "", api.MessageCancelled, time.Since(start))
		} else {
			span.RecordError(err)
			return nil, err
		}
	}

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	observability.RecordExecution(Name, result)
	return result, nil
}

func (r *Runner) execute(ctx context.Context, art *api.Artifact) (*api.ExecutionResult, error) {
	url, release, err := r.acquirer.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sandbox: %w", err)
	}
	defer release()

	debug.LogContext(ctx, "sandbox", "remote execute", "artifact_id", art.ID, "url", url)
	resp, err := r.client.Execute(ctx, url, requestFor(art, r.timeout))
	if err != nil {
		return nil, err
	}
	return resp.result(), nil
}
