package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/kandev/kandev/internal/flow/models"
)

const localAgentReadTimeout = 5 * time.Minute

// LocalAgent runs an executor node's prompt through a locally-installed CLI
// agent binary attached to a pseudo-terminal, grounded on
// internal/agentctl/server/process/pty_unix.go's pty.StartWithSize usage —
// generalized here to a one-shot run-to-completion instead of an
// interactive session kept open across turns.
type LocalAgent struct{}

// NewLocalAgent constructs a LocalAgent executor adapter.
func NewLocalAgent() *LocalAgent { return &LocalAgent{} }

// Execute implements engine.ExecutorAdapter.
func (l *LocalAgent) Execute(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error) {
	command, _ := node.Config["command"].(string)
	if command == "" {
		return models.Failed(), fmt.Errorf("local-agent executor %q: missing config.command", node.ID)
	}
	workdir, _ := node.Config["working_dir"].(string)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workdir

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 120, Rows: 32})
	if err != nil {
		return models.Failed(), fmt.Errorf("local-agent executor %q: start pty: %w", node.ID, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write([]byte(prompt + "\n")); err != nil {
		return models.Failed(), fmt.Errorf("local-agent executor %q: write prompt: %w", node.ID, err)
	}

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(&buf, f)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return models.Failed(), ctx.Err()
	case <-time.After(localAgentReadTimeout):
		_ = cmd.Process.Kill()
		return models.Failed(), fmt.Errorf("local-agent executor %q: timed out", node.ID)
	case <-waitDone(cmd):
		<-done // drain whatever the pty produced before EOF
	}

	output := buf.String()
	return models.TextOutput(output, &models.ExecutionResult{FinalText: output}), nil
}

func waitDone(cmd *exec.Cmd) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(ch)
	}()
	return ch
}
