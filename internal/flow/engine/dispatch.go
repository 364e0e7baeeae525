package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kandev/kandev/internal/flow/models"
)

// SourceAdapter fetches the current item set for a Source node.
type SourceAdapter interface {
	Fetch(ctx context.Context, node *models.Node) (models.NodeOutput, error)
}

// FilterAdapter transforms or gates a Filter node's merged input.
type FilterAdapter interface {
	Apply(ctx context.Context, node *models.Node, input models.NodeOutput) (models.NodeOutput, error)
}

// ExecutorAdapter dispatches an Executor node's rendered prompt to a
// runtime (agent subprocess, local sandbox, or remote VM).
type ExecutorAdapter interface {
	Execute(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error)
}

// SinkAdapter delivers an Sink node's input text to its configured adapters.
type SinkAdapter interface {
	Deliver(ctx context.Context, node *models.Node, input models.NodeOutput) (models.NodeOutput, error)
}

// Registry resolves a node's `kind` string to a concrete adapter. A missing
// kind is a validation error raised at dispatch time, not a panic.
type Registry interface {
	Source(kind string) (SourceAdapter, bool)
	Filter(kind string) (FilterAdapter, bool)
	Executor(kind string) (ExecutorAdapter, bool)
	Sink(kind string) (SinkAdapter, bool)
}

// MarketDataFetcher resolves `{{market_data}}` template references with a
// bounded-timeout snapshot, when an Executor node's prompt references it.
type MarketDataFetcher interface {
	Snapshot(ctx context.Context, timeout time.Duration) (string, error)
}

const marketDataFetchTimeout = 5 * time.Second

// dispatch executes one node given its merged parent input and returns its
// output. Trigger nodes are handled by the caller (they need the flow's
// initial context, not a parent-merged input).
func dispatch(ctx context.Context, reg Registry, market MarketDataFetcher, node *models.Node, input models.NodeOutput) (models.NodeOutput, error) {
	switch node.Type {
	case models.NodeTypeSource:
		adapter, ok := reg.Source(node.Kind)
		if !ok {
			return models.Failed(), fmt.Errorf("unknown source kind %q", node.Kind)
		}
		return adapter.Fetch(ctx, node)

	case models.NodeTypeFilter:
		adapter, ok := reg.Filter(node.Kind)
		if !ok {
			return models.Failed(), fmt.Errorf("unknown filter kind %q", node.Kind)
		}
		return adapter.Apply(ctx, node, input)

	case models.NodeTypeExecutor:
		adapter, ok := reg.Executor(node.Kind)
		if !ok {
			return models.Failed(), fmt.Errorf("unknown executor kind %q", node.Kind)
		}
		prompt, err := renderPrompt(ctx, node, input, market)
		if err != nil {
			return models.Failed(), fmt.Errorf("render prompt: %w", err)
		}
		return adapter.Execute(ctx, node, prompt, input)

	case models.NodeTypeSink:
		if isInputTextEmpty(input) {
			return models.Empty(), nil
		}
		adapter, ok := reg.Sink(node.Kind)
		if !ok {
			return models.Failed(), fmt.Errorf("unknown sink kind %q", node.Kind)
		}
		return adapter.Deliver(ctx, node, input)

	default:
		return models.Failed(), fmt.Errorf("unsupported node type %q for dispatch", node.Type)
	}
}

func isInputTextEmpty(input models.NodeOutput) bool {
	switch input.Kind {
	case models.OutputText:
		return strings.TrimSpace(input.Text) == ""
	case models.OutputItems:
		return len(input.Items) == 0 && strings.TrimSpace(input.Text) == ""
	case models.OutputEmpty:
		return true
	default:
		return false
	}
}

// renderPrompt renders an executor node's prompt template from the merged
// input, per spec's tie-break rules: a Context input feeds the template
// directly; otherwise the template receives content/item_count/timestamp,
// and if the template lacks {{content}} but items exist, the item list is
// appended inside <<< >>> delimiters.
func renderPrompt(ctx context.Context, node *models.Node, input models.NodeOutput, market MarketDataFetcher) (string, error) {
	tmpl, _ := node.Config["template"].(string)

	vars := map[string]string{}
	if input.Kind == models.OutputContext {
		for k, v := range input.Context {
			vars[k] = fmt.Sprintf("%v", v)
		}
	} else {
		vars["content"] = formatContent(input)
		vars["item_count"] = fmt.Sprintf("%d", len(input.Items))
		vars["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	if strings.Contains(tmpl, "{{market_data}}") {
		if market == nil {
			vars["market_data"] = ""
		} else {
			snapshot, err := market.Snapshot(ctx, marketDataFetchTimeout)
			if err != nil {
				vars["market_data"] = ""
			} else {
				vars["market_data"] = snapshot
			}
		}
	}

	rendered := substitute(tmpl, vars)

	if input.Kind != models.OutputContext && !strings.Contains(tmpl, "{{content}}") && len(input.Items) > 0 {
		rendered = rendered + "\n<<<\n" + formatItemList(input.Items) + "\n>>>"
	}

	return rendered, nil
}

func substitute(tmpl string, vars map[string]string) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

func formatContent(input models.NodeOutput) string {
	switch input.Kind {
	case models.OutputText:
		return input.Text
	case models.OutputItems:
		if input.Text != "" {
			return input.Text
		}
		return formatItemList(input.Items)
	default:
		return ""
	}
}

func formatItemList(items []models.Item) string {
	var sb strings.Builder
	for i, it := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		if it.Title != "" {
			sb.WriteString("- " + it.Title)
		} else {
			sb.WriteString("- " + it.ID)
		}
	}
	return sb.String()
}
