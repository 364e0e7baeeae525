// Package pool implements the agent subprocess manager: at most one
// long-running agent process per (agent, session) key, speaking stream-JSON
// over stdio, with a single-turn send/stream operation.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

var tracer = otel.Tracer("kandev/flow/pool")

// SpecResolver builds the Spec (command, env, session flags) for one
// (agentID, sessionID) key, resuming if resume is true.
type SpecResolver interface {
	Resolve(agentID, sessionID string, resume bool) (Spec, error)
}

// Pool keeps at most one live subprocess per (agent, session) key.
type Pool struct {
	mu      sync.Mutex
	handles map[string]*handle

	specs  SpecResolver
	logger *logger.Logger
}

// New constructs a Pool.
func New(specs SpecResolver, log *logger.Logger) *Pool {
	return &Pool{
		handles: map[string]*handle{},
		specs:   specs,
		logger:  log.WithFields(zap.String("component", "flow-pool")),
	}
}

// IsAlive reports whether a live, non-exited process exists for key.
func (p *Pool) IsAlive(key string) bool {
	p.mu.Lock()
	h, ok := p.handles[key]
	p.mu.Unlock()
	return ok && h.Alive()
}

// Drop removes a dead or stale entry without killing anything (the process
// is assumed already gone, or the caller is about to kill it separately).
func (p *Pool) Drop(key string) {
	p.mu.Lock()
	delete(p.handles, key)
	p.mu.Unlock()
}

// Stop kills the live process for key, if any, and removes the entry.
func (p *Pool) Stop(key string) {
	p.mu.Lock()
	h, ok := p.handles[key]
	delete(p.handles, key)
	p.mu.Unlock()
	if ok {
		h.kill()
	}
}

// Send runs one turn for (agentID, sessionID): spawning the subprocess if
// none is live yet, writing the prompt, and delivering every parsed event
// to sink until the turn's result event (inclusive). The check-then-spawn
// sequence runs under the pool lock to prevent TOCTOU double spawns;
// subprocess creation is synchronous while the lock is held, and only the
// drain goroutines are started afterward.
func (p *Pool) Send(ctx context.Context, agentID, sessionID, prompt string, sink func(TurnEvent)) error {
	key := PoolKey(agentID, sessionID)
	ctx, span := tracer.Start(ctx, "flow.pool.send_turn", trace.WithAttributes(attribute.String("pool.key", key)))
	defer span.End()

	h, err := p.getOrSpawn(key, agentID, sessionID)
	if err != nil {
		return err
	}

	if err := h.sendTurn(ctx, prompt, sink); err != nil {
		if !h.Alive() {
			p.Drop(key)
		}
		return fmt.Errorf("send turn for %s: %w", key, err)
	}
	return nil
}

func (p *Pool) getOrSpawn(key, agentID, sessionID string) (*handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[key]; ok && h.Alive() {
		return h, nil
	}

	resume := false
	if h, ok := p.handles[key]; ok {
		resume = h.turnSeen
		delete(p.handles, key) // dead entry, about to respawn
	}

	spec, err := p.specs.Resolve(agentID, sessionID, resume)
	if err != nil {
		return nil, fmt.Errorf("resolve agent spec: %w", err)
	}

	h, err := spawn(key, spec, p.logger)
	if err != nil {
		return nil, fmt.Errorf("spawn agent process: %w", err)
	}
	p.handles[key] = h
	return h, nil
}

// PoolKey reproduces models.PoolKey without importing the models package,
// to keep the pool package's dependency surface minimal (it only needs the
// string shape, not the model types).
func PoolKey(agentID, sessionID string) string {
	return "agent::" + agentID + "::session::" + sessionID
}

// StaleBusyTimeout mirrors models.StaleBusyTimeout for callers that only
// import this package.
const StaleBusyTimeout = 300 * time.Second
