package sandbox

import (
	"log/slog"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/debug"
)

// lifecycle tracks one run through the sandbox state machine.
type lifecycle struct {
	artifactID string
	state      api.SandboxState
	observe    TransitionFunc
}

func newLifecycle(artifactID string, observe TransitionFunc) *lifecycle {
	return &lifecycle{artifactID: artifactID, state: api.SandboxIdle, observe: observe}
}

func (l *lifecycle) to(next api.SandboxState) {
	if err := api.ValidateSandboxTransition(l.state, next); err != nil {
		slog.Error("sandbox lifecycle violation", "artifact_id", l.artifactID, "error", err)
	}
	debug.Log("sandbox", "state", "artifact_id", l.artifactID, "from", l.state, "to", next)
	prev := l.state
	l.state = next
	if l.observe != nil {
		l.observe(l.artifactID, prev, next)
	}
}
