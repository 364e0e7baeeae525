// Package api implements spec §6's HTTP/SSE surface: flow CRUD and
// triggering, run history and live progress, and per-agent interactive
// session/chat management, grounded on
// internal/workflow/controller+handlers' transport-agnostic
// controller/gin-handler split.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/kandev/internal/flow/hub"
	"github.com/kandev/kandev/internal/flow/models"
	"github.com/kandev/kandev/internal/flow/pool"
	"github.com/kandev/kandev/internal/flow/scheduler"
	"github.com/kandev/kandev/internal/flow/sessionstore"
)

var (
	ErrFlowNotFound    = errors.New("flow not found")
	ErrSessionNotFound = errors.New("session not found")
)

// FlowStore is the subset of persistence.Store the controller mutates.
type FlowStore interface {
	Flows() []*models.Flow
	Flow(id string) (*models.Flow, bool)
	SaveFlow(ctx context.Context, flow *models.Flow) error
	DeleteFlow(ctx context.Context, flowID string) error
	Runs(flowID string) []*models.FlowRun
}

// Runner runs one flow to completion, same signature as engine.Engine.Run.
type Runner interface {
	Run(ctx context.Context, flow *models.Flow, initialCtx map[string]any) (*models.FlowRun, error)
}

// FlowScheduler is the subset of scheduler.Scheduler the controller drives
// when a flow is created, (re)enabled, or deleted.
type FlowScheduler interface {
	StartFlow(ctx context.Context, flowID string) error
	StopFlow(flowID string) error
	RestartFlow(ctx context.Context, flowID string) error
}

// Controller implements the business logic behind every route in
// handlers.go, independent of gin so it can be unit tested directly.
type Controller struct {
	flows     FlowStore
	runner    Runner
	scheduler FlowScheduler
	sessions  *sessionstore.Store
	pool      *pool.Pool
	hub       *hub.Hub
}

// New constructs a Controller.
func New(flows FlowStore, runner Runner, sched FlowScheduler, sessions *sessionstore.Store, p *pool.Pool, h *hub.Hub) *Controller {
	return &Controller{flows: flows, runner: runner, scheduler: sched, sessions: sessions, pool: p, hub: h}
}

// FlowSummary is one entry of the flow list response.
type FlowSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	NodeCount   int       `json:"node_count"`
	EdgeCount   int       `json:"edge_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListFlows implements GET /api/flows.
func (c *Controller) ListFlows() []FlowSummary {
	flows := c.flows.Flows()
	out := make([]FlowSummary, len(flows))
	for i, f := range flows {
		out[i] = FlowSummary{
			ID: f.ID, Name: f.Name, Description: f.Description, Enabled: f.Enabled,
			NodeCount: len(f.Nodes), EdgeCount: len(f.Edges),
			CreatedAt: f.CreatedAt, UpdatedAt: f.UpdatedAt,
		}
	}
	return out
}

// CreateFlowRequest is the payload for POST /api/flows.
type CreateFlowRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Nodes       []models.Node `json:"nodes,omitempty"`
	Edges       []models.Edge `json:"edges,omitempty"`
}

// CreateFlow implements POST /api/flows.
func (c *Controller) CreateFlow(ctx context.Context, req CreateFlowRequest) (*models.Flow, error) {
	now := time.Now().UTC()
	flow := &models.Flow{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Nodes:       req.Nodes,
		Edges:       req.Edges,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.flows.SaveFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("save flow: %w", err)
	}
	return flow, nil
}

// GetFlow implements GET /api/flows/{id}.
func (c *Controller) GetFlow(id string) (*models.Flow, error) {
	f, ok := c.flows.Flow(id)
	if !ok {
		return nil, ErrFlowNotFound
	}
	return f, nil
}

// UpdateFlowRequest is the partial-update payload for PUT /api/flows/{id}.
type UpdateFlowRequest struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Enabled     *bool         `json:"enabled,omitempty"`
	Nodes       []models.Node `json:"nodes,omitempty"`
	Edges       []models.Edge `json:"edges,omitempty"`
}

// UpdateFlow implements PUT /api/flows/{id}. Toggling enabled restarts or
// stops the flow's scheduler supervision to match the new state.
func (c *Controller) UpdateFlow(ctx context.Context, id string, req UpdateFlowRequest) (*models.Flow, error) {
	f, ok := c.flows.Flow(id)
	if !ok {
		return nil, ErrFlowNotFound
	}

	wasEnabled := f.Enabled
	if req.Name != nil {
		f.Name = *req.Name
	}
	if req.Description != nil {
		f.Description = *req.Description
	}
	if req.Enabled != nil {
		f.Enabled = *req.Enabled
	}
	if req.Nodes != nil {
		f.Nodes = req.Nodes
	}
	if req.Edges != nil {
		f.Edges = req.Edges
	}
	f.UpdatedAt = time.Now().UTC()

	if err := c.flows.SaveFlow(ctx, f); err != nil {
		return nil, fmt.Errorf("save flow: %w", err)
	}

	switch {
	case wasEnabled && !f.Enabled:
		_ = c.scheduler.StopFlow(f.ID)
	case f.Enabled:
		_ = c.scheduler.RestartFlow(ctx, f.ID)
	}

	return f, nil
}

// DeleteFlow implements DELETE /api/flows/{id}.
func (c *Controller) DeleteFlow(ctx context.Context, id string) error {
	if _, ok := c.flows.Flow(id); !ok {
		return ErrFlowNotFound
	}
	_ = c.scheduler.StopFlow(id)
	if err := c.flows.DeleteFlow(ctx, id); err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	return nil
}

// TriggerRequest is the optional payload for POST /api/flows/{id}/trigger,
// seeding a manual review trigger with an explicit repo/PR pair instead of
// waiting for the next poll tick.
type TriggerRequest struct {
	Repo string `json:"repo,omitempty"`
	PR   int    `json:"pr,omitempty"`
}

// TriggerFlow implements POST /api/flows/{id}/trigger: runs the flow
// immediately in the background and returns as soon as the run is
// recorded, per spec §6's 202 Accepted contract.
func (c *Controller) TriggerFlow(ctx context.Context, id string, req TriggerRequest) error {
	f, ok := c.flows.Flow(id)
	if !ok {
		return ErrFlowNotFound
	}

	initialCtx := map[string]any{}
	if req.Repo != "" {
		initialCtx["repo"] = req.Repo
	}
	if req.PR != 0 {
		initialCtx["pr_number"] = req.PR
	}

	go func() {
		runCtx := context.Background()
		if _, err := c.runner.Run(runCtx, f, initialCtx); err != nil {
			// the engine already records the failed run; nothing further
			// to surface here since the triggering request has returned.
			_ = err
		}
	}()
	return nil
}

// ListRuns implements GET /api/flows/{id}/runs.
func (c *Controller) ListRuns(id string) ([]*models.FlowRun, error) {
	if _, ok := c.flows.Flow(id); !ok {
		return nil, ErrFlowNotFound
	}
	return c.flows.Runs(id), nil
}

// SubscribeRun opens an SSE-replay subscription for a flow's current (or
// most recently finished, within the hub's replay linger) run, for
// GET /api/flows/{id}/runs/stream.
func (c *Controller) SubscribeRun(flowID string) (replay []hub.Event, ch chan hub.Event, cancel func(), ended bool) {
	return c.hub.Subscribe(flowID)
}

// AgentSessions implements GET /api/agents/{id}/sessions.
func (c *Controller) AgentSessions(agentID string) models.FlowSessions {
	return c.sessions.List(agentID)
}

// CreateSession implements POST /api/agents/{id}/sessions.
func (c *Controller) CreateSession(agentID string) (*models.InteractSession, error) {
	sess, err := c.sessions.CreateInteractive(agentID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteSessionResult is the response body of a successful session delete.
type DeleteSessionResult struct {
	ActiveSessionID string
}

// DeleteSession implements DELETE /api/agents/{id}/sessions/{sid}. The
// pool entry for the deleted session (if any) is killed first so no
// orphaned subprocess outlives its session record.
func (c *Controller) DeleteSession(agentID, sessionID string) (DeleteSessionResult, error) {
	c.pool.Stop(pool.PoolKey(agentID, sessionID))
	active, err := c.sessions.Delete(agentID, sessionID)
	if err != nil {
		return DeleteSessionResult{}, err
	}
	return DeleteSessionResult{ActiveSessionID: active}, nil
}

// KillSession implements POST /api/agents/{id}/sessions/{sid}/kill: a
// forceful teardown of the live subprocess without deleting the session's
// conversation history.
func (c *Controller) KillSession(agentID, sessionID string) error {
	if _, ok := c.sessions.Get(agentID, sessionID); !ok {
		return ErrSessionNotFound
	}
	c.pool.Stop(pool.PoolKey(agentID, sessionID))
	return c.sessions.SetBusy(agentID, sessionID, false, 0)
}

// ChatRequest is the payload for POST /api/agents/{id}/chat.
type ChatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	FlowID    string `json:"flow_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

// ResolveChatSession returns the session a chat request targets, creating
// one (kind=interactive) when the request omits session_id, or
// erroring ErrSessionNotFound when it names one that doesn't exist.
func (c *Controller) ResolveChatSession(agentID string, req ChatRequest) (*models.InteractSession, error) {
	if req.SessionID == "" {
		return c.sessions.CreateInteractive(agentID)
	}
	sess, ok := c.sessions.Get(agentID, req.SessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// AcquireChatTurn claims sess for a new turn before any SSE headers are
// written, applying spec §4.2's stale-session recovery: a session already
// busy with a live pool entry returns ErrSessionBusy (mapped to 409 by the
// handler); one busy with no live pool entry, or stale past
// sessionstore.StaleBusyTimeout, is cleared and reacquired instead.
func (c *Controller) AcquireChatTurn(agentID string, sess *models.InteractSession) error {
	alive := c.pool.IsAlive(pool.PoolKey(agentID, sess.ID))
	return c.sessions.TryAcquire(agentID, sess.ID, alive, sessionstore.StaleBusyTimeout)
}

// ReleaseChatTurn clears a session's busy claim without running a turn,
// for a caller that acquired via AcquireChatTurn but failed before
// RunChatTurn's own deferred release would run (e.g. SSE setup failure).
func (c *Controller) ReleaseChatTurn(agentID, sessionID string) {
	_ = c.sessions.SetBusy(agentID, sessionID, false, 0)
}

// RunChatTurn sends one prompt through the pool and delivers every
// TurnEvent to sink, updating session bookkeeping (message count, cost)
// around the call and releasing the busy claim AcquireChatTurn took. A done
// event is always the last thing sink receives once the turn (or its
// failure) is resolved.
func (c *Controller) RunChatTurn(ctx context.Context, agentID string, sess *models.InteractSession, prompt string, sink func(pool.TurnEvent)) error {
	defer c.sessions.SetBusy(agentID, sess.ID, false, 0)

	var cost float64
	err := c.pool.Send(ctx, agentID, sess.ID, prompt, func(ev pool.TurnEvent) {
		if ev.Type == pool.TurnEventResult {
			cost = ev.Cost
		}
		sink(ev)
	})
	_ = c.sessions.RecordTurn(agentID, sess.ID, cost)
	return err
}

// StopChat implements POST /api/agents/{id}/chat/stop.
func (c *Controller) StopChat(agentID, sessionID string) {
	c.pool.Stop(pool.PoolKey(agentID, sessionID))
}

// ChatKey returns the hub topic key a chat turn broadcasts on, the same
// pool key the executor uses to own the underlying subprocess.
func (c *Controller) ChatKey(agentID, sessionID string) string {
	return pool.PoolKey(agentID, sessionID)
}

// OpenChatStream opens the hub topic for a chat turn, so a concurrent
// reconnect subscriber (GET .../chat/stream) observes every event from
// here on, including ones emitted before it subscribes.
func (c *Controller) OpenChatStream(key string) {
	c.hub.Open(key)
}

// PublishChatEvent broadcasts one turn event on the chat topic.
func (c *Controller) PublishChatEvent(key, eventType string, data any) {
	c.hub.Publish(key, hub.Encode(eventType, data))
}

// FinalizeChatStream broadcasts the synthetic done event and, after the
// replay linger, retires the topic. Blocks for hub.ReplayLingerDuration;
// callers must not invoke this from a path the client is waiting on.
func (c *Controller) FinalizeChatStream(key string) {
	c.hub.Finalize(key)
}

// SubscribeChat opens an SSE-replay subscription for a chat turn's topic,
// for GET /api/agents/{id}/sessions/{sid}/chat/stream.
func (c *Controller) SubscribeChat(key string) (replay []hub.Event, ch chan hub.Event, cancel func(), ended bool) {
	return c.hub.Subscribe(key)
}
