package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kandev/kandev/internal/flow/models"
)

const slackPostTimeout = 10 * time.Second

// Slack delivers a node's merged text to an incoming webhook, rendered as
// Block Kit blocks by default or plain mrkdwn when config.plain_text is
// set. Grounded on
// original_source/cthulu-backend/tasks/sinks/slack/markdown.rs's two render
// paths (markdown_to_blocks / markdown_to_slack); the webhook POST itself
// has no teacher precedent beyond github.PATClient's http.Client usage
// style, which this follows.
type Slack struct {
	client *http.Client
}

// NewSlack constructs a Slack sink adapter.
func NewSlack() *Slack {
	return &Slack{client: &http.Client{Timeout: slackPostTimeout}}
}

type slackPayload struct {
	Text   string `json:"text,omitempty"`
	Blocks []any  `json:"blocks,omitempty"`
}

// Deliver implements engine.SinkAdapter.
func (s *Slack) Deliver(ctx context.Context, node *models.Node, input models.NodeOutput) (models.NodeOutput, error) {
	webhookURL, _ := node.Config["webhook_url"].(string)
	if webhookURL == "" {
		return models.Failed(), fmt.Errorf("slack sink %q: missing config.webhook_url", node.ID)
	}
	plain, _ := node.Config["plain_text"].(bool)

	body := bodyOf(input)
	var payload slackPayload
	if plain {
		payload = slackPayload{Text: markdownToSlack(body)}
	} else {
		payload = slackPayload{Blocks: markdownToBlocks(body)}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return models.Failed(), fmt.Errorf("encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(encoded))
	if err != nil {
		return models.Failed(), fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return models.Failed(), fmt.Errorf("post to slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Failed(), fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return models.TextOutput(body, nil), nil
}
