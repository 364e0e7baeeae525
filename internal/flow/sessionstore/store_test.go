package sessionstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/models"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeSnapshotter is an in-memory Snapshotter with no backing persistence,
// the same double internal/flow/api's tests use for sessionstore.New.
type fakeSnapshotter struct {
	saved map[string]*models.FlowSessions
}

func (f *fakeSnapshotter) SetSessions(sessions map[string]*models.FlowSessions) error {
	f.saved = sessions
	return nil
}

func (f *fakeSnapshotter) SessionsSnapshot() map[string]*models.FlowSessions {
	return map[string]*models.FlowSessions{}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(&fakeSnapshotter{}, testLogger(t))
}

func TestStore_CreateInteractiveEnforcesCap(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < models.MaxInteractiveSessions; i++ {
		_, err := s.CreateInteractive("agent-1")
		require.NoError(t, err)
	}
	_, err := s.CreateInteractive("agent-1")
	assert.ErrorIs(t, err, ErrSessionCapReached)
}

func TestStore_DeleteRefusesLastSession(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateInteractive("agent-1")
	require.NoError(t, err)

	_, err = s.Delete("agent-1", sess.ID)
	assert.ErrorIs(t, err, ErrLastSession)
}

func TestIsStale(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-time.Second)
	old := now.Add(-2 * StaleBusyTimeout)

	cases := []struct {
		name           string
		sess           *models.InteractSession
		poolEntryAlive bool
		want           bool
	}{
		{"not busy", &models.InteractSession{Busy: false}, false, false},
		{"busy with live pool entry", &models.InteractSession{Busy: true, BusySince: &recent}, true, false},
		{"busy, no pool entry, recent busy_since", &models.InteractSession{Busy: true, BusySince: &recent}, false, false},
		{"busy, no pool entry, old busy_since", &models.InteractSession{Busy: true, BusySince: &old}, false, true},
		{"busy, no pool entry, absent busy_since", &models.InteractSession{Busy: true, BusySince: nil}, false, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, IsStale(c.sess, c.poolEntryAlive, StaleBusyTimeout))
		})
	}
}

func TestStore_TryAcquireConflictsWhenBusyWithLivePoolEntry(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateInteractive("agent-1")
	require.NoError(t, err)

	require.NoError(t, s.TryAcquire("agent-1", sess.ID, false, StaleBusyTimeout))
	err = s.TryAcquire("agent-1", sess.ID, true, StaleBusyTimeout)
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestStore_TryAcquireRecoversStaleSession(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateInteractive("agent-1")
	require.NoError(t, err)

	old := time.Now().UTC().Add(-2 * StaleBusyTimeout)
	require.NoError(t, s.mutate(func() {
		got, _ := s.sessions["agent-1"].SessionByID(sess.ID)
		got.Busy = true
		got.BusySince = &old
	}))

	// No live pool entry and a busy_since well past StaleBusyTimeout: this
	// must recover rather than conflict.
	assert.NoError(t, s.TryAcquire("agent-1", sess.ID, false, StaleBusyTimeout))
}

func TestStore_TryAcquireUnknownSession(t *testing.T) {
	s := newTestStore(t)
	err := s.TryAcquire("agent-1", "nonexistent", false, StaleBusyTimeout)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
