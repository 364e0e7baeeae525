package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/hub"
	"github.com/kandev/kandev/internal/flow/models"
	"github.com/kandev/kandev/internal/flow/pool"
	"github.com/kandev/kandev/internal/flow/sessionstore"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestController(t *testing.T) (*Controller, *fakeFlowStore, *fakeRunner, *fakeScheduler) {
	t.Helper()
	log := testLogger(t)
	flows := newFakeFlowStore()
	runner := &fakeRunner{}
	sched := &fakeScheduler{}
	sessions := sessionstore.New(fakeSnapshotter{}, log)
	p := pool.New(fakeSpecResolver{}, log)
	h := hub.New(log)
	return New(flows, runner, sched, sessions, p, h), flows, runner, sched
}

func TestController_CreateAndGetFlow(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)

	flow, err := ctrl.CreateFlow(context.Background(), CreateFlowRequest{Name: "review-bot"})
	require.NoError(t, err)
	assert.NotEmpty(t, flow.ID)

	got, err := ctrl.GetFlow(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "review-bot", got.Name)

	_, err = ctrl.GetFlow("nonexistent")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestController_UpdateFlowTogglesScheduler(t *testing.T) {
	ctrl, _, _, sched := newTestController(t)

	flow, err := ctrl.CreateFlow(context.Background(), CreateFlowRequest{Name: "f"})
	require.NoError(t, err)

	enabled := true
	_, err = ctrl.UpdateFlow(context.Background(), flow.ID, UpdateFlowRequest{Enabled: &enabled})
	require.NoError(t, err)

	disabled := false
	_, err = ctrl.UpdateFlow(context.Background(), flow.ID, UpdateFlowRequest{Enabled: &disabled})
	require.NoError(t, err)

	assert.Contains(t, sched.stopped, flow.ID)
}

func TestController_DeleteFlowNotFound(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	err := ctrl.DeleteFlow(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestController_TriggerFlowRunsInBackground(t *testing.T) {
	ctrl, _, runner, _ := newTestController(t)

	flow, err := ctrl.CreateFlow(context.Background(), CreateFlowRequest{Name: "f"})
	require.NoError(t, err)

	ran := make(chan struct{})
	runner.runFunc = func(ctx context.Context, f *models.Flow, initialCtx map[string]any) (*models.FlowRun, error) {
		close(ran)
		return &models.FlowRun{ID: "r1", FlowID: f.ID, Status: models.RunStatusSuccess}, nil
	}

	err = ctrl.TriggerFlow(context.Background(), flow.ID, TriggerRequest{Repo: "acme/widgets"})
	require.NoError(t, err)
	<-ran
}

func TestController_SessionLifecycle(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)

	sess, err := ctrl.CreateSession("agent-1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	fs := ctrl.AgentSessions("agent-1")
	assert.Len(t, fs.Sessions, 1)

	err = ctrl.KillSession("agent-1", "nonexistent")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = ctrl.KillSession("agent-1", sess.ID)
	require.NoError(t, err)
}

func TestController_SessionCapReached(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)

	for i := 0; i < models.MaxInteractiveSessions; i++ {
		_, err := ctrl.CreateSession("agent-1")
		require.NoError(t, err)
	}

	_, err := ctrl.CreateSession("agent-1")
	assert.ErrorIs(t, err, sessionstore.ErrSessionCapReached)
}

func TestController_DeleteLastSessionRefused(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)

	sess, err := ctrl.CreateSession("agent-1")
	require.NoError(t, err)

	_, err = ctrl.DeleteSession("agent-1", sess.ID)
	assert.ErrorIs(t, err, sessionstore.ErrLastSession)
}

func TestController_ResolveChatSessionUnknown(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)

	_, err := ctrl.ResolveChatSession("agent-1", ChatRequest{Prompt: "hi", SessionID: "s1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestController_AcquireChatTurnConflictsWhenBusyWithLivePoolEntry(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)

	sess, err := ctrl.CreateSession("agent-1")
	require.NoError(t, err)

	require.NoError(t, ctrl.AcquireChatTurn("agent-1", sess))
	err = ctrl.AcquireChatTurn("agent-1", sess)
	assert.ErrorIs(t, err, sessionstore.ErrSessionBusy)
}

func TestController_AcquireChatTurnSucceedsAfterRelease(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)

	sess, err := ctrl.CreateSession("agent-1")
	require.NoError(t, err)

	require.NoError(t, ctrl.AcquireChatTurn("agent-1", sess))
	ctrl.ReleaseChatTurn("agent-1", sess.ID)
	assert.NoError(t, ctrl.AcquireChatTurn("agent-1", sess))
}

func TestController_SubscribeRunReplaysHubEvents(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)

	ctrl.hub.Open("flow-1")
	ctrl.hub.Publish("flow-1", hub.Encode("run_started", map[string]string{"flow_id": "flow-1"}))

	replay, _, cancel, ended := ctrl.SubscribeRun("flow-1")
	defer cancel()
	require.Len(t, replay, 1)
	assert.False(t, ended)
}
