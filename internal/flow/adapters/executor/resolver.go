package executor

import (
	"fmt"
	"os"

	"github.com/kandev/kandev/internal/agent/agents"
	"github.com/kandev/kandev/internal/flow/pool"
)

// AgentResolver builds a pool.Spec for one (agentID, sessionID) pair,
// grounded on internal/agent/agents' per-agent Runtime()/BuildCommand
// conventions (session/resume flags, required env, working directory)
// generalized from the interactive agent registry to flow executor nodes.
type AgentResolver struct {
	workspaceRoot func(agentID string) string
}

// NewAgentResolver constructs an AgentResolver. workspaceRoot resolves an
// agent's working directory; flow executor nodes typically pin this to the
// flow's checked-out repo.
func NewAgentResolver(workspaceRoot func(agentID string) string) *AgentResolver {
	return &AgentResolver{workspaceRoot: workspaceRoot}
}

// Resolve implements pool.SpecResolver. Only "claude-code" is wired today;
// other agent kinds (auggie, codex, ...) plug in the same way once a flow
// node needs them.
func (r *AgentResolver) Resolve(agentID, sessionID string, resume bool) (pool.Spec, error) {
	switch agentID {
	case "", "claude-code":
		return r.claudeCodeSpec(sessionID, resume), nil
	default:
		return pool.Spec{}, fmt.Errorf("agent resolver: unsupported agent kind %q", agentID)
	}
}

func (r *AgentResolver) claudeCodeSpec(sessionID string, resume bool) pool.Spec {
	cc := agents.NewClaudeCode()
	runtime := cc.Runtime()

	b := runtime.Cmd.With()
	if resume {
		b = b.Resume(runtime.SessionConfig.ResumeFlag, sessionID, false)
	} else {
		b = b.Flag("--session-id", sessionID)
	}

	workdir := "."
	if r.workspaceRoot != nil {
		if dir := r.workspaceRoot("claude-code"); dir != "" {
			workdir = dir
		}
	}

	return pool.Spec{
		Command: b.Build().Args(),
		WorkDir: workdir,
		Env:     os.Environ(),
	}
}
