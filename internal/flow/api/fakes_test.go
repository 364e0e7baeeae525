package api

import (
	"context"
	"sync"

	"github.com/kandev/kandev/internal/flow/models"
	"github.com/kandev/kandev/internal/flow/pool"
)

// fakeFlowStore is an in-memory FlowStore for handler/controller tests.
type fakeFlowStore struct {
	mu    sync.Mutex
	flows map[string]*models.Flow
	runs  map[string][]*models.FlowRun
}

func newFakeFlowStore() *fakeFlowStore {
	return &fakeFlowStore{flows: map[string]*models.Flow{}, runs: map[string][]*models.FlowRun{}}
}

func (s *fakeFlowStore) Flows() []*models.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	return out
}

func (s *fakeFlowStore) Flow(id string) (*models.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	return f, ok
}

func (s *fakeFlowStore) SaveFlow(_ context.Context, flow *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = flow
	return nil
}

func (s *fakeFlowStore) DeleteFlow(_ context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowID)
	return nil
}

func (s *fakeFlowStore) Runs(flowID string) []*models.FlowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[flowID]
}

// fakeRunner records every flow it was asked to run.
type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	runFunc func(ctx context.Context, flow *models.Flow, initialCtx map[string]any) (*models.FlowRun, error)
}

func (r *fakeRunner) Run(ctx context.Context, flow *models.Flow, initialCtx map[string]any) (*models.FlowRun, error) {
	r.mu.Lock()
	r.ran = append(r.ran, flow.ID)
	r.mu.Unlock()
	if r.runFunc != nil {
		return r.runFunc(ctx, flow, initialCtx)
	}
	return &models.FlowRun{ID: "run-1", FlowID: flow.ID, Status: models.RunStatusSuccess}, nil
}

// fakeScheduler is a no-op FlowScheduler.
type fakeScheduler struct {
	mu      sync.Mutex
	stopped []string
}

func (s *fakeScheduler) StartFlow(_ context.Context, _ string) error { return nil }

func (s *fakeScheduler) StopFlow(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, flowID)
	return nil
}

func (s *fakeScheduler) RestartFlow(_ context.Context, _ string) error { return nil }

// fakeSnapshotter is a no-op sessionstore.Snapshotter.
type fakeSnapshotter struct{}

func (fakeSnapshotter) SetSessions(map[string]*models.FlowSessions) error { return nil }
func (fakeSnapshotter) SessionsSnapshot() map[string]*models.FlowSessions {
	return map[string]*models.FlowSessions{}
}

// fakeSpecResolver never actually resolves; chat-turn execution tests stop
// short of spawning a subprocess, so this only needs to satisfy the type.
type fakeSpecResolver struct{}

func (fakeSpecResolver) Resolve(agentID, sessionID string, resume bool) (pool.Spec, error) {
	return pool.Spec{}, nil
}
