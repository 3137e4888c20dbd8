package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	rdebug "runtime/debug"
	"strings"
	"time"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
	"github.com/rhuss/promptrun/pkg/observability"
	"github.com/rhuss/promptrun/pkg/sandbox"
)

// SubprocessName is the runner name used in metrics and logs.
const SubprocessName = "subprocess"

// DefaultGrace is how long a child may overrun its timeout before it is
// killed.
const DefaultGrace = 2 * time.Second

// Subprocess runs each artifact in a child process speaking the ServeChild
// protocol on stdin and stdout. The child enforces the timeout itself and
// exits, which ends any detached worker; the parent kills it if it has not
// answered within timeout plus grace.
type Subprocess struct {
	// Command is the child command line, e.g. {"/usr/bin/sandbox-server", "exec"}.
	Command []string

	// Env is appended to the parent's environment.
	Env []string

	Timeout time.Duration
	Grace   time.Duration
}

var _ sandbox.Runner = (*Subprocess)(nil)

// SelfCommand returns a command line that re-executes the running binary
// with the given arguments.
func SelfCommand(args ...string) ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return append([]string{exe}, args...), nil
}

// Name returns the runner name.
func (s *Subprocess) Name() string { return SubprocessName }

// Execute starts the child, sends it the artifact and waits for its result.
func (s *Subprocess) Execute(ctx context.Context, art *api.Artifact) (*api.ExecutionResult, error) {
	if art == nil {
		return nil, errors.New("sandbox: nil artifact")
	}
	if len(s.Command) == 0 {
		return nil, errors.New("sandbox: subprocess command is empty")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	input, err := json.Marshal(requestFor(art, timeout))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout+grace)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, s.Command[0], s.Command[1:]...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.WaitDelay = grace
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	var exitErr *exec.ExitError
	var result *api.ExecutionResult
	switch {
	case ctx.Err() != nil:
		result = api.Failed(api.OutcomeCancelled, "", api.MessageCancelled, elapsed)
	case runCtx.Err() != nil:
		debug.Log("sandbox", "child killed", "artifact_id", art.ID, "elapsed", elapsed)
		result = api.Failed(api.OutcomeTimedOut, "", api.MessageTimedOut, elapsed)
	case runErr != nil && !errors.As(runErr, &exitErr):
		return nil, fmt.Errorf("starting sandbox child: %w", runErr)
	default:
		var resp ExecuteResponse
		if err := json.Unmarshal(stdout.Bytes(), &resp); err == nil && resp.Outcome != "" {
			result = resp.result()
			break
		}
		// The child died before answering: a panic on a goroutine of the
		// program, a stack overflow, or an out-of-memory kill.
		debug.Log("sandbox", "child crashed", "artifact_id", art.ID, "exit", runErr)
		result = api.Failed(api.OutcomeFaulted, "", crashMessage(runErr, stderr.String()), elapsed)
	}
	observability.RecordExecution(SubprocessName, result)
	return result, nil
}

// crashTail bounds how much of a crashed child's stderr lands in the
// result.
const crashTail = 2048

func crashMessage(runErr error, stderr string) string {
	msg := strings.TrimSpace(stderr)
	if len(msg) > crashTail {
		msg = "..." + msg[len(msg)-crashTail:]
	}
	switch {
	case msg == "" && runErr != nil:
		return "sandbox child crashed: " + runErr.Error()
	case msg == "":
		return "sandbox child returned no result"
	}
	return msg
}

// childMaxStack keeps a runaway recursion in the child short; the default
// of 1 GB would take seconds and a lot of memory to overflow.
const childMaxStack = 64 << 20

// ServeChild is the child side of Subprocess. It reads one ExecuteRequest
// from r, runs it with a runner built by newRunner and writes the
// ExecuteResponse to w. The caller should exit the process afterwards.
func ServeChild(ctx context.Context, r io.Reader, w io.Writer, newRunner RunnerFactory) error {
	rdebug.SetMaxStack(childMaxStack)

	var req ExecuteRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	timeout := req.timeout()
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	res, err := newRunner(timeout).Execute(ctx, req.artifact())
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(responseFor(res))
}
