package engine

import "context"

type contextKey int

const flowIDKey contextKey = 0

func withFlowID(ctx context.Context, flowID string) context.Context {
	return context.WithValue(ctx, flowIDKey, flowID)
}

// FlowIDFromContext returns the id of the flow currently executing, set by
// Engine.Run before any node dispatch. Adapters that need a per-flow
// identity (e.g. the vm-sandbox executor's one-VM-per-flow-node policy)
// read it here instead of being constructed per flow.
func FlowIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(flowIDKey).(string)
	return id
}
