package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/flow/engine"
	"github.com/kandev/kandev/internal/flow/hub"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestHubPublisher_BroadcastsOnFlowTopic(t *testing.T) {
	h := hub.New(newTestLogger(t))
	pub := NewHubPublisher(h)

	pub.Publish(engine.RunEvent{Type: engine.EventRunStarted, RunID: "run-1", FlowID: "flow-1", Timestamp: time.Now()})

	replay, _, cancel, _ := h.Subscribe("flow-1")
	defer cancel()
	require.Len(t, replay, 1)

	evType, _ := hub.Split(replay[0])
	require.Equal(t, string(engine.EventRunStarted), evType)
}

func TestHubPublisher_FinalizesOnTerminalEvent(t *testing.T) {
	h := hub.New(newTestLogger(t))
	pub := NewHubPublisher(h)

	pub.Publish(engine.RunEvent{Type: engine.EventRunStarted, RunID: "run-2", FlowID: "flow-2", Timestamp: time.Now()})
	pub.Publish(engine.RunEvent{Type: engine.EventRunCompleted, RunID: "run-2", FlowID: "flow-2", Timestamp: time.Now()})

	_, _, cancel, ended := h.Subscribe("flow-2")
	defer cancel()
	require.True(t, ended)
}

func TestBusPublisher_FansOutToBus(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	received := make(chan *bus.Event, 1)
	sub, err := memBus.Subscribe(RunSubject("run-3"), func(ctx context.Context, ev *bus.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	pub := NewBusPublisher(nil, memBus, log)
	pub.Publish(engine.RunEvent{Type: engine.EventNodeStarted, RunID: "run-3", NodeID: "n1", Timestamp: time.Now()})

	select {
	case ev := <-received:
		require.Equal(t, string(engine.EventNodeStarted), ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected bus event was not received")
	}
}
