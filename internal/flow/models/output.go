package models

// OutputKind tags the variant carried by a NodeOutput.
type OutputKind string

const (
	OutputEmpty   OutputKind = "empty"
	OutputItems   OutputKind = "items"
	OutputText    OutputKind = "text"
	OutputContext OutputKind = "context"
	OutputFailed  OutputKind = "failed"
)

// Item is one element of a Source node's fetched set (an RSS entry, a pull
// request, a market snapshot row, ...).
type Item struct {
	ID    string         `json:"id"`
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	URL   string         `json:"url,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// ExecutionResult carries an executor node's turn statistics alongside its
// text output.
type ExecutionResult struct {
	Turns     int     `json:"turns"`
	Cost      float64 `json:"cost"`
	FinalText string  `json:"final_text"`
}

// NodeOutput is the value flowing along one edge: exactly one of Empty,
// Items, Text (with optional ExecResult), Context, or Failed.
type NodeOutput struct {
	Kind       OutputKind       `json:"kind"`
	Items      []Item           `json:"items,omitempty"`
	Text       string           `json:"text,omitempty"`
	ExecResult *ExecutionResult `json:"exec_result,omitempty"`
	Context    map[string]any   `json:"context,omitempty"`
}

// Empty returns the identity output value.
func Empty() NodeOutput { return NodeOutput{Kind: OutputEmpty} }

// Failed returns the infectious failure sentinel.
func Failed() NodeOutput { return NodeOutput{Kind: OutputFailed} }

// ItemsOutput wraps a fetched item list.
func ItemsOutput(items []Item) NodeOutput {
	return NodeOutput{Kind: OutputItems, Items: items}
}

// TextOutput wraps a text payload, optionally carrying execution stats.
func TextOutput(text string, result *ExecutionResult) NodeOutput {
	return NodeOutput{Kind: OutputText, Text: text, ExecResult: result}
}

// ContextOutput wraps a trigger-seeded key/value map.
func ContextOutput(ctx map[string]any) NodeOutput {
	return NodeOutput{Kind: OutputContext, Context: ctx}
}

// IsFailed reports whether this output is the failure sentinel.
func (o NodeOutput) IsFailed() bool { return o.Kind == OutputFailed }

// IsEmpty reports whether this output carries no payload.
func (o NodeOutput) IsEmpty() bool { return o.Kind == OutputEmpty }

// Merge combines a node's parent outputs per the DAG engine's input-merge
// rules: any Failed parent makes the result Failed; otherwise Items
// concatenate, Text payloads concatenate, Context maps union with later
// parents winning key collisions, and Empty is the identity.
func Merge(parents []NodeOutput) NodeOutput {
	if len(parents) == 0 {
		return Empty()
	}
	for _, p := range parents {
		if p.IsFailed() {
			return Failed()
		}
	}

	var items []Item
	var texts []string
	ctx := map[string]any{}
	haveCtx := false

	for _, p := range parents {
		switch p.Kind {
		case OutputEmpty:
			// identity
		case OutputItems:
			items = append(items, p.Items...)
		case OutputText:
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		case OutputContext:
			haveCtx = true
			for k, v := range p.Context {
				ctx[k] = v
			}
		}
	}

	switch {
	case haveCtx:
		// Context wins representation when present alongside other kinds,
		// since a trigger-seeded context is always the sole contributor at
		// level 0 in practice; items/text accumulated alongside it (if any)
		// are folded in under reserved keys so nothing is silently dropped.
		if len(items) > 0 {
			ctx["_items"] = items
		}
		if len(texts) > 0 {
			ctx["_text"] = joinTexts(texts)
		}
		return ContextOutput(ctx)
	case len(items) > 0 && len(texts) > 0:
		return NodeOutput{Kind: OutputItems, Items: items, Text: joinTexts(texts)}
	case len(items) > 0:
		return ItemsOutput(items)
	case len(texts) > 0:
		return TextOutput(joinTexts(texts), nil)
	default:
		return Empty()
	}
}

func joinTexts(texts []string) string {
	if len(texts) == 1 {
		return texts[0]
	}
	out := texts[0]
	for _, t := range texts[1:] {
		out += "\n\n" + t
	}
	return out
}
