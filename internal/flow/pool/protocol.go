package pool

import (
	"encoding/json"

	"github.com/kandev/kandev/pkg/claudecode"
)

// TurnEventType names one of the six per-turn event shapes the pool reader
// emits while draining a subprocess's stdout.
type TurnEventType string

const (
	TurnEventText       TurnEventType = "text"
	TurnEventToolUse    TurnEventType = "tool_use"
	TurnEventToolResult TurnEventType = "tool_result"
	TurnEventResult     TurnEventType = "result"
	TurnEventSystem     TurnEventType = "system"
	TurnEventStderr     TurnEventType = "stderr"
)

// TurnEvent is one unit of streamed output from an agent subprocess during
// a turn.
type TurnEvent struct {
	Type  TurnEventType `json:"type"`
	Text  string        `json:"text,omitempty"`
	Name  string        `json:"name,omitempty"`
	Input string        `json:"input,omitempty"`
	Cost  float64       `json:"cost,omitempty"`
	Turns int           `json:"turns,omitempty"`
}

// userMessage is the wire shape of the one message the pool ever writes to
// the child's stdin: {type:"user", message:{role:"user", content: prompt}}.
type userMessage struct {
	Type    string            `json:"type"`
	Message userMessageBody   `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newUserMessageLine(prompt string) ([]byte, error) {
	msg := userMessage{Type: "user", Message: userMessageBody{Role: "user", Content: prompt}}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// streamLine is the superset of fields this parser inspects across the
// several line shapes a Claude Code-protocol subprocess can emit.
type streamLine struct {
	Type    string          `json:"type"`
	Delta   *streamDelta    `json:"delta,omitempty"`
	Block   *streamBlock    `json:"content_block,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	CostUSD float64         `json:"cost_usd,omitempty"`
	NumTurns int            `json:"num_turns,omitempty"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type streamBlock struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// parseLine parses one NDJSON line from the subprocess's stdout into zero
// or more TurnEvents, per the mapping in spec §4.2. suppressSystem is true
// on resumed sessions (system messages only matter on session creation).
func parseLine(line []byte, suppressSystem bool) []TurnEvent {
	if len(line) == 0 {
		return nil
	}

	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return []TurnEvent{{Type: TurnEventText, Text: string(line)}}
	}

	switch sl.Type {
	case "content_block_delta":
		if sl.Delta != nil && sl.Delta.Type == "text_delta" {
			return []TurnEvent{{Type: TurnEventText, Text: sl.Delta.Text}}
		}
		return nil

	case "content_block_start":
		if sl.Block != nil && sl.Block.Type == "tool_use" {
			return []TurnEvent{{Type: TurnEventToolUse, Name: sl.Block.Name}}
		}
		return nil

	case claudecode.MessageTypeAssistant:
		return parseAssistantEvents(sl.Message)

	case claudecode.MessageTypeResult:
		var result claudecode.ResultData
		text := ""
		if len(sl.Result) > 0 {
			if err := json.Unmarshal(sl.Result, &result); err == nil {
				text = result.Text
			} else {
				_ = json.Unmarshal(sl.Result, &text)
			}
		}
		return []TurnEvent{{Type: TurnEventResult, Text: text, Cost: sl.CostUSD, Turns: sl.NumTurns}}

	case claudecode.MessageTypeSystem:
		if suppressSystem {
			return nil
		}
		return []TurnEvent{{Type: TurnEventSystem, Text: string(line)}}

	default:
		return []TurnEvent{{Type: TurnEventText, Text: string(line)}}
	}
}

func parseAssistantEvents(raw json.RawMessage) []TurnEvent {
	if len(raw) == 0 {
		return nil
	}
	var msg claudecode.AssistantMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	blocks := msg.GetContentBlocks()
	if blocks == nil {
		if s := msg.GetContentString(); s != "" {
			return []TurnEvent{{Type: TurnEventText, Text: s}}
		}
		return nil
	}

	var events []TurnEvent
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				events = append(events, TurnEvent{Type: TurnEventText, Text: b.Text})
			}
		case "tool_use":
			inputJSON, _ := json.Marshal(b.Input)
			events = append(events, TurnEvent{Type: TurnEventToolUse, Name: b.Name, Input: string(inputJSON)})
		case "tool_result":
			events = append(events, TurnEvent{Type: TurnEventToolResult, Text: b.Content})
		}
	}
	return events
}
