package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/models"
)

type fakeStore struct {
	runs     []*models.FlowRun
	nodeRuns map[string][]models.NodeRun
}

func newFakeStore() *fakeStore { return &fakeStore{nodeRuns: map[string][]models.NodeRun{}} }

func (s *fakeStore) AddRun(_ context.Context, run *models.FlowRun) error {
	s.runs = append(s.runs, run)
	return nil
}

func (s *fakeStore) PushNodeRun(_ context.Context, runID string, nr models.NodeRun) error {
	s.nodeRuns[runID] = append(s.nodeRuns[runID], nr)
	return nil
}

func (s *fakeStore) CompleteNodeRun(_ context.Context, runID, nodeID string, status models.RunStatus, preview string, finishedAt time.Time) error {
	rs := s.nodeRuns[runID]
	for i := range rs {
		if rs[i].NodeID == nodeID {
			rs[i].Status = status
			rs[i].OutputPreview = preview
			rs[i].FinishedAt = &finishedAt
		}
	}
	return nil
}

func (s *fakeStore) CompleteRun(_ context.Context, runID string, status models.RunStatus, errMsg string, finishedAt time.Time) error {
	for _, r := range s.runs {
		if r.ID == runID {
			r.Status = status
			r.Error = errMsg
			r.FinishedAt = &finishedAt
		}
	}
	return nil
}

type fakeRegistry struct {
	sources   map[string]SourceAdapter
	filters   map[string]FilterAdapter
	executors map[string]ExecutorAdapter
	sinks     map[string]SinkAdapter
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sources:   map[string]SourceAdapter{},
		filters:   map[string]FilterAdapter{},
		executors: map[string]ExecutorAdapter{},
		sinks:     map[string]SinkAdapter{},
	}
}

func (r *fakeRegistry) Source(kind string) (SourceAdapter, bool)     { a, ok := r.sources[kind]; return a, ok }
func (r *fakeRegistry) Filter(kind string) (FilterAdapter, bool)     { a, ok := r.filters[kind]; return a, ok }
func (r *fakeRegistry) Executor(kind string) (ExecutorAdapter, bool) { a, ok := r.executors[kind]; return a, ok }
func (r *fakeRegistry) Sink(kind string) (SinkAdapter, bool)         { a, ok := r.sinks[kind]; return a, ok }

type funcSource func(ctx context.Context, node *models.Node) (models.NodeOutput, error)

func (f funcSource) Fetch(ctx context.Context, node *models.Node) (models.NodeOutput, error) { return f(ctx, node) }

type funcExecutor func(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error)

func (f funcExecutor) Execute(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error) {
	return f(ctx, node, prompt, input)
}

type funcSink func(ctx context.Context, node *models.Node, input models.NodeOutput) (models.NodeOutput, error)

func (f funcSink) Deliver(ctx context.Context, node *models.Node, input models.NodeOutput) (models.NodeOutput, error) {
	return f(ctx, node, input)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestEngine_HappyPath(t *testing.T) {
	reg := newFakeRegistry()
	reg.sources["rss"] = funcSource(func(ctx context.Context, node *models.Node) (models.NodeOutput, error) {
		return models.ItemsOutput([]models.Item{{ID: "1", Title: "first"}, {ID: "2", Title: "second"}}), nil
	})
	reg.executors["noop"] = funcExecutor(func(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error) {
		return models.TextOutput("Summary: "+prompt, &models.ExecutionResult{Turns: 1}), nil
	})
	var delivered []models.NodeOutput
	reg.sinks["dry"] = funcSink(func(ctx context.Context, node *models.Node, input models.NodeOutput) (models.NodeOutput, error) {
		delivered = append(delivered, input)
		return models.Empty(), nil
	})

	flow := &models.Flow{
		ID:      "f1",
		Enabled: true,
		Nodes: []models.Node{
			{ID: "trigger", Type: models.NodeTypeTrigger, Kind: "cron"},
			{ID: "source", Type: models.NodeTypeSource, Kind: "rss"},
			{ID: "exec", Type: models.NodeTypeExecutor, Kind: "noop", Config: map[string]any{"template": "Summarize: {{content}}"}},
			{ID: "sink", Type: models.NodeTypeSink, Kind: "dry"},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "source", Target: "exec"},
			{ID: "e2", Source: "exec", Target: "sink"},
		},
	}

	e := New(reg, nil, newFakeStore(), nil, testLogger(t))
	run, err := e.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	require.Len(t, delivered, 1)
}

func TestEngine_FailureContainment(t *testing.T) {
	reg := newFakeRegistry()
	reg.sources["a"] = funcSource(func(ctx context.Context, node *models.Node) (models.NodeOutput, error) {
		return models.Failed(), errors.New("adapter error")
	})
	reg.sources["b"] = funcSource(func(ctx context.Context, node *models.Node) (models.NodeOutput, error) {
		return models.ItemsOutput([]models.Item{{ID: "x"}}), nil
	})
	reg.executors["noop"] = funcExecutor(func(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error) {
		return models.TextOutput("ok", nil), nil
	})

	flow := &models.Flow{
		ID: "f2",
		Nodes: []models.Node{
			{ID: "a", Type: models.NodeTypeSource, Kind: "a"},
			{ID: "b", Type: models.NodeTypeSource, Kind: "b"},
			{ID: "exec", Type: models.NodeTypeExecutor, Kind: "noop"},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "a", Target: "exec"},
		},
	}

	e := New(reg, nil, newFakeStore(), nil, testLogger(t))
	run, err := e.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestEngine_PanicTreatedAsNodeFailure(t *testing.T) {
	reg := newFakeRegistry()
	reg.executors["boom"] = funcExecutor(func(ctx context.Context, node *models.Node, prompt string, input models.NodeOutput) (models.NodeOutput, error) {
		panic("kaboom")
	})

	flow := &models.Flow{
		ID: "f4",
		Nodes: []models.Node{
			{ID: "exec", Type: models.NodeTypeExecutor, Kind: "boom"},
		},
	}

	store := newFakeStore()
	e := New(reg, nil, store, nil, testLogger(t))
	run, err := e.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	nodeRuns := store.nodeRuns[run.ID]
	require.Len(t, nodeRuns, 1)
	assert.Equal(t, "exec", nodeRuns[0].NodeID)
	assert.Equal(t, models.RunStatusFailed, nodeRuns[0].Status)
}

func TestEngine_CycleDetected(t *testing.T) {
	flow := &models.Flow{
		ID: "f3",
		Nodes: []models.Node{
			{ID: "a", Type: models.NodeTypeExecutor, Kind: "noop"},
			{ID: "b", Type: models.NodeTypeExecutor, Kind: "noop"},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}

	e := New(newFakeRegistry(), nil, newFakeStore(), nil, testLogger(t))
	run, err := e.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "cycle")
}
