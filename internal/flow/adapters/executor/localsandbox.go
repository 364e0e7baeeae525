package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/kandev/kandev/internal/agent/docker"
	"github.com/kandev/kandev/internal/flow/models"
)

// LocalSandbox runs an executor node's rendered prompt as a one-shot
// container: create, start, wait for exit, collect logs, remove. Grounded
// on internal/agent/docker.Client's CreateContainer/StartContainer/
// WaitContainer/GetContainerLogs/RemoveContainer, reused here for a
// short-lived run instead of the teacher's long-lived interactive
// container.
type LocalSandbox struct {
	client *docker.Client
}

// NewLocalSandbox constructs a LocalSandbox executor adapter.
func NewLocalSandbox(client *docker.Client) *LocalSandbox {
	return &LocalSandbox{client: client}
}

// Execute implements engine.ExecutorAdapter.
func (l *LocalSandbox) Execute(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error) {
	image, _ := node.Config["image"].(string)
	if image == "" {
		return models.Failed(), fmt.Errorf("local-sandbox executor %q: missing config.image", node.ID)
	}
	workdir, _ := node.Config["working_dir"].(string)

	cfg := docker.ContainerConfig{
		Name:       "kandev-exec-" + node.ID,
		Image:      image,
		Cmd:        []string{"sh", "-c", prompt},
		WorkingDir: workdir,
		AutoRemove: false,
		Labels:     map[string]string{"kandev.flow.node": node.ID},
	}

	containerID, err := l.client.CreateContainer(ctx, cfg)
	if err != nil {
		return models.Failed(), fmt.Errorf("local-sandbox executor %q: %w", node.ID, err)
	}
	defer func() { _ = l.client.RemoveContainer(context.Background(), containerID, true) }()

	if err := l.client.StartContainer(ctx, containerID); err != nil {
		return models.Failed(), fmt.Errorf("local-sandbox executor %q: %w", node.ID, err)
	}

	exitCode, err := l.client.WaitContainer(ctx, containerID)
	if err != nil {
		return models.Failed(), fmt.Errorf("local-sandbox executor %q: %w", node.ID, err)
	}

	logs, err := l.client.GetContainerLogs(ctx, containerID, false, "all")
	if err != nil {
		return models.Failed(), fmt.Errorf("local-sandbox executor %q: read logs: %w", node.ID, err)
	}
	defer func() { _ = logs.Close() }()

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, logs)
	output := buf.String()

	if exitCode != 0 {
		return models.Failed(), fmt.Errorf("local-sandbox executor %q: exited with code %d", node.ID, exitCode)
	}

	return models.TextOutput(output, &models.ExecutionResult{FinalText: output}), nil
}
