package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestHub_PublishAndSubscribeReplay(t *testing.T) {
	h := New(testLogger(t))
	h.Open("k1")

	h.Publish("k1", Encode("text", map[string]string{"t": "hello"}))
	h.Publish("k1", Encode("text", map[string]string{"t": "world"}))

	replay, ch, cancel, ended := h.Subscribe("k1")
	defer cancel()
	require.False(t, ended)
	require.Len(t, replay, 2)
	require.NotNil(t, ch)

	typ, _ := Split(replay[0])
	assert.Equal(t, "text", typ)
}

func TestHub_SubscribeAfterDoneReplaysAndEnds(t *testing.T) {
	h := New(testLogger(t))
	h.Open("k2")
	h.Publish("k2", Encode("text", "hi"))
	h.Publish("k2", Event(DoneEvent+":"))

	replay, ch, _, ended := h.Subscribe("k2")
	assert.True(t, ended)
	assert.Nil(t, ch)
	require.Len(t, replay, 2)
}

func TestHub_SubscribeUnknownKeyReplaysSyntheticDone(t *testing.T) {
	h := New(testLogger(t))
	replay, ch, _, ended := h.Subscribe("missing")
	assert.True(t, ended)
	assert.Nil(t, ch)
	require.Len(t, replay, 1)
	typ, _ := Split(replay[0])
	assert.Equal(t, DoneEvent, typ)
}

func TestHub_FinalizeBroadcastsDoneThenRemovesTopic(t *testing.T) {
	h := New(testLogger(t))
	h.Open("k3")
	_, ch, cancel, ended := h.Subscribe("k3")
	defer cancel()
	require.False(t, ended)

	done := make(chan struct{})
	go func() {
		h.Finalize("k3")
		close(done)
	}()

	select {
	case ev := <-ch:
		typ, _ := Split(ev)
		assert.Equal(t, DoneEvent, typ)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for done event")
	}

	select {
	case <-done:
	case <-time.After(ReplayLingerDuration + time.Second):
		t.Fatal("finalize did not return after linger")
	}

	h.mu.Lock()
	_, stillExists := h.topics["k3"]
	h.mu.Unlock()
	assert.False(t, stillExists)
}

func TestHub_LaggingSubscriberDoesNotBlockPublish(t *testing.T) {
	h := New(testLogger(t))
	h.Open("k4")
	_, ch, cancel, _ := h.Subscribe("k4")
	defer cancel()
	_ = ch

	for i := 0; i < subscriberCapacity+10; i++ {
		h.Publish("k4", Encode("text", i))
	}
	// No assertion beyond "this returns" -- a full channel must not block Publish.
}
