// Package models defines the data shapes shared across the flow core:
// flow/node/edge definitions, run records, node output, agent sessions,
// and VM mappings.
package models

import (
	"strings"
	"time"
)

// NodeType is the structural role of a node within a flow's DAG.
type NodeType string

const (
	NodeTypeTrigger  NodeType = "trigger"
	NodeTypeSource   NodeType = "source"
	NodeTypeFilter   NodeType = "filter"
	NodeTypeExecutor NodeType = "executor"
	NodeTypeSink     NodeType = "sink"
)

// Position is UI-only layout metadata; the engine never reads it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one step of a flow's DAG. Kind selects the concrete adapter
// (e.g. "cron", "rss", "claude-code", "vm-sandbox", "slack", "keyword");
// Config is opaque to the engine and interpreted only by that adapter.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"node_type"`
	Kind     string         `json:"kind"`
	Config   map[string]any `json:"config,omitempty"`
	Label    string         `json:"label,omitempty"`
	Position *Position      `json:"position,omitempty"`
}

// Edge is a directed dependency from Source to Target. Multiple edges into
// one node are merged per the rules in engine.Merge.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Flow is a DAG description of an automated pipeline.
type Flow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Runnable reports whether the flow has enough structure to execute.
func (f *Flow) Runnable() bool {
	return len(f.Nodes) >= 1
}

// NodeByID returns the node with the given id, if present.
func (f *Flow) NodeByID(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// RunStatus is the terminal or in-flight state of a FlowRun or NodeRun.
type RunStatus string

const (
	RunStatusRunning RunStatus = "Running"
	RunStatusSuccess RunStatus = "Success"
	RunStatusFailed  RunStatus = "Failed"
	RunStatusSkipped RunStatus = "Skipped"
)

// NodeRun is the per-node record of one execution attempt within a FlowRun.
type NodeRun struct {
	NodeID        string     `json:"node_id"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	OutputPreview string     `json:"output_preview,omitempty"`
}

// MaxPreviewChars is the truncation limit for a NodeRun's output preview.
const MaxPreviewChars = 500

// TruncatePreview truncates s to at most MaxPreviewChars runes, breaking on
// a char boundary (i.e. never splitting a multi-byte rune).
func TruncatePreview(s string) string {
	if len(s) <= MaxPreviewChars {
		return s
	}
	cut := MaxPreviewChars
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// FlowRun is one execution of a flow, with per-node records in completion
// order.
type FlowRun struct {
	ID         string     `json:"id"`
	FlowID     string     `json:"flow_id"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	NodeRuns   []NodeRun  `json:"node_runs"`
	Error      string     `json:"error,omitempty"`
}

// SessionKind distinguishes an interactively-created session from one
// spawned to host a flow run's executor node.
type SessionKind string

const (
	SessionKindInteractive SessionKind = "interactive"
	SessionKindFlowRun     SessionKind = "flow_run"
)

// MaxInteractiveSessions is the per-agent cap on interactive sessions
// (flow_run sessions are not counted against it).
const MaxInteractiveSessions = 5

// StaleBusyTimeout is the default threshold past which a session claiming
// busy=true with no live pool entry is treated as stale and auto-recovered.
const StaleBusyTimeout = 300 * time.Second

// FlowRunMeta identifies the flow run that produced a flow_run session.
type FlowRunMeta struct {
	FlowID string `json:"flow_id"`
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`
}

// InteractSession is one persistent conversation with an agent.
type InteractSession struct {
	ID           string       `json:"id"`
	Summary      string       `json:"summary"`
	WorkingDir   string       `json:"working_dir,omitempty"`
	PID          int          `json:"-"` // runtime-only, never persisted
	Busy         bool         `json:"-"` // runtime-only, never persisted
	BusySince    *time.Time   `json:"-"` // runtime-only, never persisted
	MessageCount int          `json:"message_count"`
	TotalCost    float64      `json:"total_cost"`
	CreatedAt    time.Time    `json:"created_at"`
	SkillsDir    string       `json:"skills_dir,omitempty"`
	Kind         SessionKind  `json:"kind"`
	FlowRun      *FlowRunMeta `json:"flow_run,omitempty"`
}

// Summarize derives a session summary from the first prompt: the first 80
// chars, broken at the last space so words are never cut mid-token.
func Summarize(prompt string) string {
	const maxLen = 80
	if len(prompt) <= maxLen {
		return prompt
	}
	cut := strings.LastIndex(prompt[:maxLen], " ")
	if cut <= 0 {
		cut = maxLen
	}
	return prompt[:cut]
}

// ResetRuntimeFields clears fields that are never persisted, matching the
// behavior on load from disk.
func (s *InteractSession) ResetRuntimeFields() {
	s.PID = 0
	s.Busy = false
	s.BusySince = nil
}

// FlowSessions is the per-agent-owner set of sessions plus the currently
// active one.
type FlowSessions struct {
	Sessions        []*InteractSession `json:"sessions"`
	ActiveSessionID string             `json:"active_session_id,omitempty"`
}

// InteractiveCount returns the number of interactive (non flow_run) sessions.
func (fs *FlowSessions) InteractiveCount() int {
	n := 0
	for _, s := range fs.Sessions {
		if s.Kind == SessionKindInteractive {
			n++
		}
	}
	return n
}

// SessionByID finds a session by id.
func (fs *FlowSessions) SessionByID(id string) (*InteractSession, bool) {
	for _, s := range fs.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// VmMapping records an external VM provisioned for one executor node.
type VmMapping struct {
	VMID           string `json:"vm_id" yaml:"vm_id"`
	Name           string `json:"name" yaml:"name"`
	WebTerminalURL string `json:"web_terminal_url" yaml:"web_terminal_url"`
}

// PoolKey is the executor-pool / broadcast-hub key for a live agent turn.
func PoolKey(agentID, sessionID string) string {
	return "agent::" + agentID + "::session::" + sessionID
}

// VMMapKey is the (flow, node) key for the VM-relay mapping.
func VMMapKey(flowID, nodeID string) string {
	return flowID + "::" + nodeID
}
