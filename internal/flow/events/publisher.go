// Package events wires the flow engine's RunEvent notifications to their
// downstream consumers: the in-process SSE hub for live run-progress
// viewers, and (when configured) the shared NATS bus for other services.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	busevents "github.com/kandev/kandev/internal/events"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/flow/engine"
	"github.com/kandev/kandev/internal/flow/hub"
)

// RunSubject mirrors internal/events.BuildACPSubject's per-entity subject
// naming: one subject per run, so a NATS subscriber can filter to a single
// run without decoding every event on the bus.
func RunSubject(runID string) string {
	return "flow.run." + runID
}

// HubPublisher broadcasts each RunEvent on the hub topic keyed by the
// flow's id (not the run's — spec §6's `/api/flows/{id}/runs/stream`
// takes no run_id, and POST /trigger's 202 response carries no run id
// either, so a client can only ever subscribe to "this flow's current
// run"). Only one run is live per flow at a time (the scheduler serializes
// a flow's own runs), so this is unambiguous.
type HubPublisher struct {
	hub *hub.Hub
}

// NewHubPublisher constructs a HubPublisher over an existing hub.Hub.
func NewHubPublisher(h *hub.Hub) *HubPublisher {
	return &HubPublisher{hub: h}
}

// Publish implements engine.EventPublisher. Finalize blocks for
// hub.ReplayLingerDuration, same contract as the interactive turn
// pathway: Engine.Run (and therefore this call) must itself be invoked
// off the HTTP request path (the API's trigger/run endpoints already do
// this, dispatching to a goroutine and returning 202 immediately).
func (p *HubPublisher) Publish(event engine.RunEvent) {
	if event.Type == engine.EventRunStarted {
		p.hub.Open(event.FlowID)
	}
	p.hub.Publish(event.FlowID, hub.Encode(string(event.Type), event))
	if event.Type == engine.EventRunCompleted || event.Type == engine.EventRunFailed {
		p.hub.Finalize(event.FlowID)
	}
}

// BusPublisher additionally republishes each RunEvent onto a shared
// bus.EventBus (NATS when configured, in-memory otherwise — see
// internal/events.Provide), for consumers outside this process.
type BusPublisher struct {
	next   engine.EventPublisher
	bus    bus.EventBus
	logger *logger.Logger
}

// NewBusPublisher wraps next (typically a HubPublisher) so every RunEvent
// also reaches bus on the run's subject.
func NewBusPublisher(next engine.EventPublisher, b bus.EventBus, log *logger.Logger) *BusPublisher {
	return &BusPublisher{next: next, bus: b, logger: log}
}

// Publish implements engine.EventPublisher.
func (p *BusPublisher) Publish(event engine.RunEvent) {
	if p.next != nil {
		p.next.Publish(event)
	}
	if p.bus == nil {
		return
	}
	busEvent := bus.NewEvent(string(event.Type), "flow-engine", map[string]any{
		"flow_id":    event.FlowID,
		"run_id":     event.RunID,
		"node_id":    event.NodeID,
		"message":    event.Message,
		"timestamp":  event.Timestamp,
	})
	if err := p.bus.Publish(context.Background(), RunSubject(event.RunID), busEvent); err != nil {
		p.logger.Warn("flow run event bus publish failed",
			zap.String("run_id", event.RunID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// NewPublisher builds the standard RunEvent publisher chain: broadcast on
// the hub for live SSE viewers, and fan out onto provided's bus as well
// (a memory bus when NATS isn't configured, per internal/events.Provide).
func NewPublisher(h *hub.Hub, provided *busevents.ProvidedBus, log *logger.Logger) engine.EventPublisher {
	hubPub := NewHubPublisher(h)
	if provided == nil {
		return hubPub
	}
	return NewBusPublisher(hubPub, provided.Bus, log)
}
