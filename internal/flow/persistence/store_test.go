package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	cfg := &config.Config{Flow: config.FlowConfig{DataDir: t.TempDir(), MaxRunsPerFlow: 3}}
	s, err := New(cfg, log)
	require.NoError(t, err)
	return s
}

func TestStore_FlowRoundTrip(t *testing.T) {
	s := testStore(t)
	flow := &models.Flow{ID: "f1", Name: "test", Enabled: true, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.SaveFlow(context.Background(), flow))

	reloaded, err := New(&config.Config{Flow: config.FlowConfig{DataDir: s.dataDir, MaxRunsPerFlow: 3}}, s.logger)
	require.NoError(t, err)
	got, ok := reloaded.Flow("f1")
	require.True(t, ok)
	require.Equal(t, flow.Name, got.Name)
}

func TestStore_RunCapEviction(t *testing.T) {
	s := testStore(t)
	flow := &models.Flow{ID: "f1", Name: "test"}
	require.NoError(t, s.SaveFlow(context.Background(), flow))

	for i := 0; i < 5; i++ {
		run := &models.FlowRun{ID: "run" + string(rune('a'+i)), FlowID: "f1", StartedAt: time.Now().UTC().Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.AddRun(context.Background(), run))
	}

	runs := s.Runs("f1")
	require.Len(t, runs, 3)

	entries, err := os.ReadDir(filepath.Join(s.dataDir, "runs", "f1"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestStore_SnapshotAtomicRoundTrip(t *testing.T) {
	s := testStore(t)
	sess := &models.InteractSession{ID: "s1", Kind: models.SessionKindInteractive, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.SetSessions(map[string]*models.FlowSessions{
		"agent::a1": {Sessions: []*models.InteractSession{sess}, ActiveSessionID: "s1"},
	}))

	require.NoError(t, s.SetVMMapping("f1::n1", &models.VmMapping{VMID: "vm-1", Name: "sandbox", WebTerminalURL: "https://example/term"}))

	reloaded, err := New(&config.Config{Flow: config.FlowConfig{DataDir: s.dataDir, MaxRunsPerFlow: 100}}, s.logger)
	require.NoError(t, err)

	snap := reloaded.SessionsSnapshot()
	require.Contains(t, snap, "agent::a1")
	require.Equal(t, "s1", snap["agent::a1"].ActiveSessionID)

	vms := reloaded.VMsSnapshot()
	require.Contains(t, vms, "f1::n1")
	require.Equal(t, "vm-1", vms["f1::n1"].VMID)

	_, err = os.Stat(filepath.Join(s.dataDir, "sessions.yaml.tmp"))
	require.True(t, os.IsNotExist(err), "temp file must not linger after rename")
}
