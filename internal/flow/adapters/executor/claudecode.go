// Package executor implements engine.ExecutorAdapter for Executor-kind
// nodes: agent subprocesses, local sandboxes, and remote VM sandboxes.
package executor

import (
	"context"
	"fmt"

	"github.com/kandev/kandev/internal/flow/models"
	"github.com/kandev/kandev/internal/flow/pool"
)

// ClaudeCode wraps the agent subprocess pool to run an executor node's
// rendered prompt as one turn, grounded on
// internal/agent/agents/claude_code.go's BuildCommand (npx
// @anthropic-ai/claude-code, stream-json in/out, --resume on later turns)
// via the pool.SpecResolver a caller wires in.
type ClaudeCode struct {
	pool *pool.Pool
}

// NewClaudeCode constructs a ClaudeCode executor adapter over an existing
// subprocess pool.
func NewClaudeCode(p *pool.Pool) *ClaudeCode {
	return &ClaudeCode{pool: p}
}

// NodeSessionID derives the pool session id for one executor node: flows
// pin a single long-lived agent session per node rather than per run, so
// repeated firings resume the same conversation.
func NodeSessionID(nodeID string) string {
	return "flow-node-" + nodeID
}

// Execute implements engine.ExecutorAdapter.
func (c *ClaudeCode) Execute(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error) {
	agentID, _ := node.Config["agent_id"].(string)
	if agentID == "" {
		agentID = "claude-code"
	}
	sessionID := NodeSessionID(node.ID)

	var finalText string
	var turns int
	var cost float64

	err := c.pool.Send(ctx, agentID, sessionID, prompt, func(ev pool.TurnEvent) {
		switch ev.Type {
		case pool.TurnEventText:
			finalText += ev.Text
		case pool.TurnEventResult:
			turns = ev.Turns
			cost = ev.Cost
			if ev.Text != "" {
				finalText = ev.Text
			}
		}
	})
	if err != nil {
		return models.Failed(), fmt.Errorf("claude-code executor %q: %w", node.ID, err)
	}

	result := &models.ExecutionResult{Turns: turns, Cost: cost, FinalText: finalText}
	return models.TextOutput(finalText, result), nil
}
