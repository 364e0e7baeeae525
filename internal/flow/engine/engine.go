// Package engine implements the DAG executor: topological leveling,
// per-level concurrent node execution, parent-output merging, and node
// dispatch to source/filter/executor/sink adapters.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/models"
)

var tracer = otel.Tracer("kandev/flow/engine")

// RunStore persists the bookkeeping the engine produces as it executes a
// flow. Implemented by internal/flow/persistence.Store.
type RunStore interface {
	AddRun(ctx context.Context, run *models.FlowRun) error
	PushNodeRun(ctx context.Context, runID string, nr models.NodeRun) error
	CompleteNodeRun(ctx context.Context, runID string, nodeID string, status models.RunStatus, preview string, finishedAt time.Time) error
	CompleteRun(ctx context.Context, runID string, status models.RunStatus, errMsg string, finishedAt time.Time) error
}

// Engine executes flows as leveled DAGs.
type Engine struct {
	registry Registry
	market   MarketDataFetcher
	store    RunStore
	events   EventPublisher
	logger   *logger.Logger
}

// New constructs an Engine. events may be nil (events are simply dropped).
func New(reg Registry, market MarketDataFetcher, store RunStore, events EventPublisher, log *logger.Logger) *Engine {
	if events == nil {
		events = noopPublisher{}
	}
	return &Engine{
		registry: reg,
		market:   market,
		store:    store,
		events:   events,
		logger:   log.WithFields(zap.String("component", "flow-engine")),
	}
}

// nodeResult is the outcome of executing one node, collected per level.
type nodeResult struct {
	nodeID string
	output models.NodeOutput
	failed bool
}

// Run executes every reachable node of flow exactly once in dependency
// order. initialCtx, if non-nil, seeds Trigger nodes with Context output.
// Returns a FlowRun whose status is Success iff no node failed.
func (e *Engine) Run(ctx context.Context, flow *models.Flow, initialCtx map[string]any) (*models.FlowRun, error) {
	ctx, span := tracer.Start(ctx, "flow.run", trace.WithAttributes(attribute.String("flow.id", flow.ID)))
	defer span.End()
	ctx = withFlowID(ctx, flow.ID)

	run := &models.FlowRun{
		ID:        uuid.NewString(),
		FlowID:    flow.ID,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	if err := e.store.AddRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	e.publish(flow.ID, run.ID, "", EventRunStarted, "")

	plan, err := buildLevelPlan(flow)
	if err != nil {
		return e.finishFailed(ctx, flow, run, err.Error())
	}

	outputs := make(map[string]models.NodeOutput, len(flow.Nodes))
	var outputsMu sync.Mutex
	anyFailed := false

	for _, levelNodes := range plan.levels {
		results, err := e.runLevel(ctx, flow, run, plan, levelNodes, outputs, &outputsMu, initialCtx)
		if err != nil {
			return e.finishFailed(ctx, flow, run, err.Error())
		}
		for _, r := range results {
			outputsMu.Lock()
			outputs[r.nodeID] = r.output
			outputsMu.Unlock()
			if r.failed {
				anyFailed = true
			}
		}
	}

	finishedAt := time.Now().UTC()
	run.FinishedAt = &finishedAt
	if anyFailed {
		run.Status = models.RunStatusFailed
		run.Error = "one or more nodes failed"
		if err := e.store.CompleteRun(ctx, run.ID, run.Status, run.Error, finishedAt); err != nil {
			e.logger.Warn("failed to persist run completion", zap.Error(err))
		}
		e.publish(flow.ID, run.ID, "", EventRunFailed, run.Error)
	} else {
		run.Status = models.RunStatusSuccess
		if err := e.store.CompleteRun(ctx, run.ID, run.Status, "", finishedAt); err != nil {
			e.logger.Warn("failed to persist run completion", zap.Error(err))
		}
		e.publish(flow.ID, run.ID, "", EventRunCompleted, "")
	}

	return run, nil
}

// runLevel executes every node of one level concurrently on independent
// tasks via errgroup, each merging its own parents' outputs.
func (e *Engine) runLevel(
	ctx context.Context,
	flow *models.Flow,
	run *models.FlowRun,
	plan *levelPlan,
	nodeIDs []string,
	outputs map[string]models.NodeOutput,
	outputsMu *sync.Mutex,
	initialCtx map[string]any,
) ([]nodeResult, error) {
	results := make([]nodeResult, len(nodeIDs))
	g, gctx := errgroup.WithContext(ctx)

	for i, nodeID := range nodeIDs {
		i, nodeID := i, nodeID
		node, ok := flow.NodeByID(nodeID)
		if !ok {
			continue
		}
		g.Go(func() error {
			r := e.runNode(gctx, flow, run, node, plan.parents[nodeID], outputs, outputsMu, initialCtx)
			results[i] = r
			return nil // node failure is recorded in the result, never aborts the level
		})
	}

	if err := g.Wait(); err != nil {
		// Only context cancellation reaches here; a node's own failure
		// (including a panic, recovered inside runNode) is captured in its
		// nodeResult and never returned as an error.
		return nil, fmt.Errorf("level execution: %w", err)
	}
	return results, nil
}

func (e *Engine) runNode(
	ctx context.Context,
	flow *models.Flow,
	run *models.FlowRun,
	node *models.Node,
	parentIDs []string,
	outputs map[string]models.NodeOutput,
	outputsMu *sync.Mutex,
	initialCtx map[string]any,
) (result nodeResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("node task panicked", zap.String("node_id", node.ID), zap.Any("panic", r))
			msg := fmt.Sprintf("panic: %v", r)
			if cerr := e.store.CompleteNodeRun(ctx, run.ID, node.ID, models.RunStatusFailed, models.TruncatePreview(msg), time.Now().UTC()); cerr != nil {
				e.logger.Warn("failed to persist node panic", zap.Error(cerr))
			}
			e.publish(flow.ID, run.ID, node.ID, EventNodeFailed, msg)
			result = nodeResult{nodeID: node.ID, output: models.Failed(), failed: true}
		}
	}()

	startedAt := time.Now().UTC()
	nr := models.NodeRun{NodeID: node.ID, Status: models.RunStatusRunning, StartedAt: startedAt}
	if err := e.store.PushNodeRun(ctx, run.ID, nr); err != nil {
		e.logger.Warn("failed to persist node start", zap.Error(err))
	}
	e.publish(flow.ID, run.ID, node.ID, EventNodeStarted, "")

	outputsMu.Lock()
	parentOutputs := make([]models.NodeOutput, 0, len(parentIDs))
	for _, pid := range parentIDs {
		parentOutputs = append(parentOutputs, outputs[pid])
	}
	outputsMu.Unlock()

	input := models.Merge(parentOutputs)

	var output models.NodeOutput
	var execErr error

	switch {
	case node.Type == models.NodeTypeTrigger:
		if initialCtx != nil {
			output = models.ContextOutput(initialCtx)
		} else {
			output = models.Empty()
		}
	case input.IsFailed():
		output = models.Failed()
	default:
		output, execErr = dispatch(ctx, e.registry, e.market, node, input)
	}

	finishedAt := time.Now().UTC()

	if execErr != nil {
		msg := fmt.Sprintf("%+v", execErr)
		if cerr := e.store.CompleteNodeRun(ctx, run.ID, node.ID, models.RunStatusFailed, models.TruncatePreview(msg), finishedAt); cerr != nil {
			e.logger.Warn("failed to persist node failure", zap.Error(cerr))
		}
		e.publish(flow.ID, run.ID, node.ID, EventNodeFailed, msg)
		return nodeResult{nodeID: node.ID, output: models.Failed(), failed: true}
	}

	if output.IsFailed() {
		msg := "input contains a failed upstream node"
		if cerr := e.store.CompleteNodeRun(ctx, run.ID, node.ID, models.RunStatusFailed, msg, finishedAt); cerr != nil {
			e.logger.Warn("failed to persist node failure", zap.Error(cerr))
		}
		e.publish(flow.ID, run.ID, node.ID, EventNodeFailed, msg)
		return nodeResult{nodeID: node.ID, output: output, failed: true}
	}

	preview := models.TruncatePreview(previewOf(output))
	if cerr := e.store.CompleteNodeRun(ctx, run.ID, node.ID, models.RunStatusSuccess, preview, finishedAt); cerr != nil {
		e.logger.Warn("failed to persist node success", zap.Error(cerr))
	}
	e.publish(flow.ID, run.ID, node.ID, EventNodeCompleted, "")
	return nodeResult{nodeID: node.ID, output: output}
}

func previewOf(o models.NodeOutput) string {
	switch o.Kind {
	case models.OutputText:
		return o.Text
	case models.OutputItems:
		return formatItemList(o.Items)
	case models.OutputContext:
		return fmt.Sprintf("%v", o.Context)
	default:
		return ""
	}
}

func (e *Engine) finishFailed(ctx context.Context, flow *models.Flow, run *models.FlowRun, msg string) (*models.FlowRun, error) {
	finishedAt := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.Error = msg
	run.FinishedAt = &finishedAt
	if err := e.store.CompleteRun(ctx, run.ID, run.Status, run.Error, finishedAt); err != nil {
		e.logger.Warn("failed to persist run completion", zap.Error(err))
	}
	e.publish(flow.ID, run.ID, "", EventRunFailed, msg)
	return run, nil
}

func (e *Engine) publish(flowID, runID, nodeID string, t EventType, msg string) {
	e.events.Publish(RunEvent{
		Type:      t,
		FlowID:    flowID,
		RunID:     runID,
		NodeID:    nodeID,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}
