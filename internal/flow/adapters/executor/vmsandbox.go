package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/engine"
	"github.com/kandev/kandev/internal/flow/models"
	"github.com/kandev/kandev/internal/flow/vmrelay"
)

const defaultCommandTimeout = 10 * time.Minute

// VMManager is the subset of *vmrelay.Manager the VMSandbox executor needs.
type VMManager interface {
	GetOrCreateVM(ctx context.Context, flowID, nodeID, tier string) (*models.VmMapping, error)
}

// CredentialSource supplies the per-agent OAuth token and optional
// credentials-file JSON injected into a freshly provisioned VM.
type CredentialSource interface {
	OAuthToken(agentID string) (string, error)
	CredentialsJSON(agentID string) ([]byte, error)
}

// VMSandbox runs an executor node's prompt inside a remote sandbox VM over
// a ttyd WebSocket session, grounded on spec §4.5's remote-VM executor
// path: resolve/create the VM, dial ttyd, inject credentials, write the
// prompt to the agent CLI's stdin-equivalent via a shell command, and
// capture its output.
type VMSandbox struct {
	manager         VMManager
	creds           CredentialSource
	shellRCPath     string
	credentialsPath string
	logger          *logger.Logger
}

// NewVMSandbox constructs a VMSandbox executor adapter, shared across every
// flow the registry serves; the flow whose node is executing is read from
// ctx (engine.FlowIDFromContext), not bound at construction, so one
// registry instance correctly provisions one VM per (flow, node) pair
// regardless of how many flows it dispatches for.
func NewVMSandbox(manager VMManager, creds CredentialSource, shellRCPath, credentialsPath string, log *logger.Logger) *VMSandbox {
	return &VMSandbox{
		manager: manager, creds: creds,
		shellRCPath: shellRCPath, credentialsPath: credentialsPath, logger: log,
	}
}

// Execute implements engine.ExecutorAdapter.
func (v *VMSandbox) Execute(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error) {
	agentID, _ := node.Config["agent_id"].(string)
	if agentID == "" {
		agentID = "claude-code"
	}
	tier, _ := node.Config["tier"].(string)
	flowID := engine.FlowIDFromContext(ctx)

	mapping, err := v.manager.GetOrCreateVM(ctx, flowID, node.ID, tier)
	if err != nil {
		return models.Failed(), fmt.Errorf("vm-sandbox executor %q: provision vm: %w", node.ID, err)
	}

	sess, err := vmrelay.Dial(ctx, mapping.WebTerminalURL, v.logger)
	if err != nil {
		return models.Failed(), fmt.Errorf("vm-sandbox executor %q: dial ttyd: %w", node.ID, err)
	}
	defer func() { _ = sess.Close() }()

	if v.creds != nil {
		token, err := v.creds.OAuthToken(agentID)
		if err != nil {
			return models.Failed(), fmt.Errorf("vm-sandbox executor %q: resolve credentials: %w", node.ID, err)
		}
		credsJSON, _ := v.creds.CredentialsJSON(agentID)
		if err := vmrelay.InjectCredentials(ctx, sess, v.shellRCPath, v.credentialsPath, token, credsJSON); err != nil {
			return models.Failed(), fmt.Errorf("vm-sandbox executor %q: inject credentials: %w", node.ID, err)
		}
	}

	command, _ := node.Config["command_template"].(string)
	if command == "" {
		command = "claude -p " + shellQuote(prompt)
	} else {
		command = substituteCommand(command, prompt)
	}

	out, err := sess.Run(ctx, command, defaultCommandTimeout)
	if err != nil {
		return models.Failed(), fmt.Errorf("vm-sandbox executor %q: run command: %w", node.ID, err)
	}

	return models.TextOutput(out, &models.ExecutionResult{FinalText: out}), nil
}

func shellQuote(s string) string {
	return "'" + replaceAll(s, "'", "'\\''") + "'"
}

func replaceAll(s, old, new string) string {
	var out []byte
	for i := 0; i < len(s); {
		if i+len(old) <= len(s) && s[i:i+len(old)] == old {
			out = append(out, new...)
			i += len(old)
			continue
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}

func substituteCommand(tmpl, prompt string) string {
	const placeholder = "{{prompt}}"
	return replaceAll(tmpl, placeholder, shellQuote(prompt))
}
