// Package kubernetes acquires sandbox servers by creating agent-sandbox
// SandboxClaims. Each claim gets its own pod running sandbox-server.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/sandbox/remote"
)

var _ remote.Acquirer = (*ClaimAcquirer)(nil)

// Options configures a ClaimAcquirer.
type Options struct {
	Template  string
	Namespace string

	// ReadyTimeout bounds the wait for the claimed Sandbox to become ready.
	ReadyTimeout time.Duration

	// Port is the sandbox-server port inside the pod.
	Port int

	// PollInterval is how often the Sandbox status is checked.
	PollInterval time.Duration
}

// ClaimAcquirer creates a SandboxClaim per run, waits for the bound Sandbox
// to report Ready and returns its service URL. Release deletes the claim.
type ClaimAcquirer struct {
	client client.Client
	opts   Options
}

// NewClaimAcquirer creates a ClaimAcquirer.
func NewClaimAcquirer(c client.Client, opts Options) *ClaimAcquirer {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &ClaimAcquirer{client: c, opts: opts}
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// Acquire implements remote.Acquirer.
func (a *ClaimAcquirer) Acquire(ctx context.Context) (string, func(), error) {
	name := claimName()
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: a.opts.Namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "promptrun"},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{Name: a.opts.Template},
		},
	}
	if err := a.client.Create(ctx, claim); err != nil {
		return "", nil, fmt.Errorf("create SandboxClaim %q: %w", name, err)
	}
	debug.LogContext(ctx, "sandbox", "claim created", "name", name, "namespace", a.opts.Namespace, "template", a.opts.Template)

	fqdn, err := a.waitForReady(ctx, name)
	if err != nil {
		a.release(name)
		return "", nil, err
	}

	url := fmt.Sprintf("http://%s:%d", fqdn, a.opts.Port)
	debug.LogContext(ctx, "sandbox", "sandbox acquired", "name", name, "url", url)
	return url, func() { a.release(name) }, nil
}

// waitForReady polls the Sandbox named like the claim until it is Ready and
// has a service FQDN.
func (a *ClaimAcquirer) waitForReady(ctx context.Context, name string) (string, error) {
	deadline := time.NewTimer(a.opts.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	key := types.NamespacedName{Name: name, Namespace: a.opts.Namespace}
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for sandbox %q: %w", name, ctx.Err())
		case <-deadline.C:
			return "", fmt.Errorf("sandbox %q not ready after %s", name, a.opts.ReadyTimeout)
		case <-ticker.C:
			sb := &sandboxv1alpha1.Sandbox{}
			if err := a.client.Get(ctx, key, sb); err != nil {
				debug.Trace("sandbox", "sandbox not visible yet", "name", name, "error", err)
				continue
			}
			if isReady(sb) && sb.Status.ServiceFQDN != "" {
				return sb.Status.ServiceFQDN, nil
			}
		}
	}
}

func isReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// release deletes the claim on a fresh context; the run's context may
// already be cancelled.
func (a *ClaimAcquirer) release(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: a.opts.Namespace},
	}
	if err := a.client.Delete(ctx, claim); err != nil {
		slog.Warn("failed to delete SandboxClaim", "name", name, "namespace", a.opts.Namespace, "error", err)
		return
	}
	debug.Log("sandbox", "claim deleted", "name", name)
}

// claimName is replaceable in tests.
var claimName = func() string {
	return "promptrun-sb-" + uuid.NewString()[:8]
}
