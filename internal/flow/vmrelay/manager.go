// Package vmrelay provisions per-(flow,node) sandbox VMs for vm-sandbox
// executor nodes and relays commands into them over the ttyd WebSocket
// protocol.
package vmrelay

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/models"
)

// Backend provisions and destroys VMs for one concrete provider ("http" or
// "sprites").
type Backend interface {
	Create(ctx context.Context, name, tier string) (vmID, webTerminalURL string, err error)
	Destroy(ctx context.Context, vmID string) error
}

// MappingStore is the subset of persistence.Store the manager needs to
// read and record VM mappings.
type MappingStore interface {
	VMsSnapshot() map[string]*models.VmMapping
	SetVMMapping(key string, mapping *models.VmMapping) error
}

// Manager owns VM lifecycle for vm-sandbox executor nodes: one VM per
// (flow, node) key, created lazily and destroyed when its owning flow is
// disabled.
type Manager struct {
	backend Backend
	store   MappingStore
	cfg     config.VMRelayConfig
	group   singleflight.Group
	logger  *logger.Logger
}

// New constructs a Manager with the backend selected by cfg.Backend.
func New(cfg config.VMRelayConfig, store MappingStore, log *logger.Logger) (*Manager, error) {
	log = log.WithFields(zap.String("component", "vmrelay"))
	var backend Backend
	switch cfg.Backend {
	case "", "http":
		backend = newHTTPBackend(cfg, log)
	case "sprites":
		backend = newSpritesBackend(cfg, log)
	default:
		return nil, fmt.Errorf("vmrelay: unknown backend %q", cfg.Backend)
	}
	return &Manager{backend: backend, store: store, cfg: cfg, logger: log}, nil
}

// GetOrCreateVM returns the existing mapping for (flowID, nodeID) if one is
// persisted, otherwise provisions a new VM and persists the mapping.
// Concurrent calls for the same key collapse into a single Create via
// singleflight.
func (m *Manager) GetOrCreateVM(ctx context.Context, flowID, nodeID, tier string) (*models.VmMapping, error) {
	key := models.VMMapKey(flowID, nodeID)

	if existing, ok := m.store.VMsSnapshot()[key]; ok {
		return existing, nil
	}

	if tier == "" {
		tier = m.cfg.DefaultTier
	}

	result, err, _ := m.group.Do(key, func() (any, error) {
		if existing, ok := m.store.VMsSnapshot()[key]; ok {
			return existing, nil
		}

		name := vmName(flowID, nodeID)
		vmID, webTerminalURL, err := m.backend.Create(ctx, name, tier)
		if err != nil {
			return nil, fmt.Errorf("create vm for %s: %w", key, err)
		}
		mapping := &models.VmMapping{VMID: vmID, Name: name, WebTerminalURL: webTerminalURL}
		if err := m.store.SetVMMapping(key, mapping); err != nil {
			m.logger.Error("failed to persist vm mapping", zap.String("key", key), zap.Error(err))
		}
		m.logger.Info("vm provisioned", zap.String("key", key), zap.String("vm_id", vmID))
		return mapping, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.VmMapping), nil
}

// DestroyFlowVMs destroys and unmaps every VM whose key belongs to flowID
// (key prefix "{flowID}::"), as when a flow is disabled.
func (m *Manager) DestroyFlowVMs(ctx context.Context, flowID string) {
	prefix := flowID + "::"
	for key, mapping := range m.store.VMsSnapshot() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := m.backend.Destroy(ctx, mapping.VMID); err != nil {
			m.logger.Warn("failed to destroy vm", zap.String("key", key), zap.String("vm_id", mapping.VMID), zap.Error(err))
			continue
		}
		if err := m.store.SetVMMapping(key, nil); err != nil {
			m.logger.Error("failed to remove vm mapping", zap.String("key", key), zap.Error(err))
		}
	}
}

func vmName(flowID, nodeID string) string {
	name := "kandev-" + flowID + "-" + nodeID
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.ToLower(name)
}
