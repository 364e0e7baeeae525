package vmrelay

import (
	"context"
	"sync"
	"testing"

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

type fakeBackend struct {
	mu        sync.Mutex
	created   int
	destroyed []string
}

func (f *fakeBackend) Create(ctx context.Context, name, tier string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return "vm-" + name, "http://127.0.0.1:9999", nil
}

func (f *fakeBackend) Destroy(ctx context.Context, vmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, vmID)
	return nil
}

type fakeMappingStore struct {
	mu       sync.Mutex
	mappings map[string]*models.VmMapping
}

func newFakeMappingStore() *fakeMappingStore {
	return &fakeMappingStore{mappings: map[string]*models.VmMapping{}}
}

func (s *fakeMappingStore) VMsSnapshot() map[string]*models.VmMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*models.VmMapping, len(s.mappings))
	for k, v := range s.mappings {
		out[k] = v
	}
	return out
}

func (s *fakeMappingStore) SetVMMapping(key string, mapping *models.VmMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mapping == nil {
		delete(s.mappings, key)
		return nil
	}
	s.mappings[key] = mapping
	return nil
}

func TestManager_GetOrCreateVM_ReusesExisting(t *testing.T) {
	backend := &fakeBackend{}
	store := newFakeMappingStore()
	m := &Manager{backend: backend, store: store, logger: testLogger(t)}

	m1, err := m.GetOrCreateVM(context.Background(), "flow1", "node1", "")
	require.NoError(t, err)
	m2, err := m.GetOrCreateVM(context.Background(), "flow1", "node1", "")
	require.NoError(t, err)

	assert.Equal(t, m1.VMID, m2.VMID)
	assert.Equal(t, 1, backend.created)
}

func TestManager_DestroyFlowVMs_OnlyMatchingPrefix(t *testing.T) {
	backend := &fakeBackend{}
	store := newFakeMappingStore()
	m := &Manager{backend: backend, store: store, logger: testLogger(t)}

	_, err := m.GetOrCreateVM(context.Background(), "flowA", "nodeX", "")
	require.NoError(t, err)
	_, err = m.GetOrCreateVM(context.Background(), "flowB", "nodeY", "")
	require.NoError(t, err)

	m.DestroyFlowVMs(context.Background(), "flowA")

	assert.Len(t, backend.destroyed, 1)
	remaining := store.VMsSnapshot()
	_, hasA := remaining[models.VMMapKey("flowA", "nodeX")]
	_, hasB := remaining[models.VMMapKey("flowB", "nodeY")]
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestCleanOutput_StripsMarkerAndANSI(t *testing.T) {
	marker := "__TTYD_DONE_abc12345__"
	raw := "\x1b[32mhello\x1b[0m\r\nworld\r\necho '" + marker + "'\r\n" + marker + "\r\n"
	got := cleanOutput(raw, marker)
	assert.Contains(t, got, "hello")
	assert.Contains(t, got, "world")
	assert.NotContains(t, got, marker)
}

func TestToWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://host:8080", toWebSocketURL("http://host:8080"))
	assert.Equal(t, "wss://host:8080", toWebSocketURL("https://host:8080"))
}
