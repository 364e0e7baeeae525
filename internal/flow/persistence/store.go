// Package persistence implements the atomic on-disk storage for flows, runs,
// and the agent-session/VM-mapping snapshot: one JSON file per flow, one
// JSON file per run, and a single temp-file+rename YAML sessions snapshot.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/models"
)

// Store is the atomic, file-based persistence layer for flows, runs, and
// the session/VM snapshot. Safe for concurrent use.
type Store struct {
	dataDir        string
	maxRunsPerFlow int

	mu    sync.RWMutex
	flows map[string]*models.Flow
	runs  map[string][]*models.FlowRun // flowID -> runs, ascending by StartedAt

	snapMu   sync.RWMutex
	sessions map[string]*models.FlowSessions // agent key -> sessions
	vms      map[string]*models.VmMapping    // "flow::node" -> mapping

	logger *logger.Logger
}

// snapshotSchema is the on-disk shape of sessions.yaml.
type snapshotSchema struct {
	Sessions map[string]*models.FlowSessions `yaml:"sessions"`
	VMs      map[string]*models.VmMapping    `yaml:"vms"`
}

// legacySnapshotSchema is an older shape (one session per flow) this store
// can still parse and migrate in memory.
type legacySnapshotSchema struct {
	Sessions map[string]*models.InteractSession `yaml:"sessions"`
}

// New constructs a Store rooted at cfg.Flow.DataDir, creating the flows/
// and runs/ subdirectories if needed.
func New(cfg *config.Config, log *logger.Logger) (*Store, error) {
	dataDir := expandHome(cfg.Flow.DataDir)
	if err := os.MkdirAll(filepath.Join(dataDir, "flows"), 0755); err != nil {
		return nil, fmt.Errorf("create flows dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "runs"), 0755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}

	maxRuns := cfg.Flow.MaxRunsPerFlow
	if maxRuns <= 0 {
		maxRuns = 100
	}

	s := &Store{
		dataDir:        dataDir,
		maxRunsPerFlow: maxRuns,
		flows:          map[string]*models.Flow{},
		runs:           map[string][]*models.FlowRun{},
		sessions:       map[string]*models.FlowSessions{},
		vms:            map[string]*models.VmMapping{},
		logger:         log.WithFields(zap.String("component", "flow-persistence")),
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}
	if err := s.loadSnapshot(); err != nil {
		s.logger.Warn("failed to load sessions snapshot, starting empty", zap.Error(err))
	}

	return s, nil
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// loadAll walks flows/ and runs/, sorts runs per flow by StartedAt
// ascending, enforces the max-runs-per-flow cap (evicting the oldest files
// on disk), and builds the in-memory maps.
func (s *Store) loadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flowsDir := filepath.Join(s.dataDir, "flows")
	entries, err := os.ReadDir(flowsDir)
	if err != nil {
		return fmt.Errorf("read flows dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(flowsDir, ent.Name()))
		if err != nil {
			s.logger.Warn("failed to read flow file", zap.String("file", ent.Name()), zap.Error(err))
			continue
		}
		var f models.Flow
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("failed to parse flow file", zap.String("file", ent.Name()), zap.Error(err))
			continue
		}
		s.flows[f.ID] = &f
	}

	runsDir := filepath.Join(s.dataDir, "runs")
	flowDirs, err := os.ReadDir(runsDir)
	if err != nil {
		return fmt.Errorf("read runs dir: %w", err)
	}
	for _, fd := range flowDirs {
		if !fd.IsDir() {
			continue
		}
		flowID := fd.Name()
		runFiles, err := os.ReadDir(filepath.Join(runsDir, flowID))
		if err != nil {
			continue
		}
		var runs []*models.FlowRun
		for _, rf := range runFiles {
			if rf.IsDir() || filepath.Ext(rf.Name()) != ".json" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(runsDir, flowID, rf.Name()))
			if err != nil {
				continue
			}
			var r models.FlowRun
			if err := json.Unmarshal(data, &r); err != nil {
				continue
			}
			runs = append(runs, &r)
		}
		sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
		if len(runs) > s.maxRunsPerFlow {
			evict := runs[:len(runs)-s.maxRunsPerFlow]
			runs = runs[len(runs)-s.maxRunsPerFlow:]
			for _, r := range evict {
				_ = os.Remove(s.runPath(flowID, r.ID))
			}
		}
		s.runs[flowID] = runs
	}

	return nil
}

func (s *Store) flowPath(id string) string {
	return filepath.Join(s.dataDir, "flows", id+".json")
}

func (s *Store) runPath(flowID, runID string) string {
	return filepath.Join(s.dataDir, "runs", flowID, runID+".json")
}

func (s *Store) sessionsPath() string {
	return filepath.Join(s.dataDir, "sessions.yaml")
}

// writeJSONFile performs a whole-file rewrite (not atomic beyond OS
// semantics, per spec: loss tolerance for flows/runs is single-file).
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// writeFileAtomic writes data to path via a temp-file + rename so the file
// always parses to either the previous or the current full state.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SaveFlow persists a flow definition as a whole-file JSON rewrite and
// updates the in-memory map.
func (s *Store) SaveFlow(_ context.Context, flow *models.Flow) error {
	s.mu.Lock()
	s.flows[flow.ID] = flow
	s.mu.Unlock()
	return writeJSONFile(s.flowPath(flow.ID), flow)
}

// DeleteFlow removes a flow's on-disk file, in-memory entry, and its runs
// directory.
func (s *Store) DeleteFlow(_ context.Context, flowID string) error {
	s.mu.Lock()
	delete(s.flows, flowID)
	delete(s.runs, flowID)
	s.mu.Unlock()

	_ = os.Remove(s.flowPath(flowID))
	_ = os.RemoveAll(filepath.Join(s.dataDir, "runs", flowID))
	return nil
}

// Flows returns every loaded flow.
func (s *Store) Flows() []*models.Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	return out
}

// Flow looks up a flow by id.
func (s *Store) Flow(id string) (*models.Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	return f, ok
}

// Runs returns a flow's runs, oldest first.
func (s *Store) Runs(flowID string) []*models.FlowRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[flowID]
	out := make([]*models.FlowRun, len(runs))
	copy(out, runs)
	return out
}

// AddRun persists a new (running) FlowRun and appends it to the in-memory
// list, evicting the oldest on-disk run if the per-flow cap is exceeded.
func (s *Store) AddRun(_ context.Context, run *models.FlowRun) error {
	s.mu.Lock()
	s.runs[run.FlowID] = append(s.runs[run.FlowID], run)
	var evicted *models.FlowRun
	if len(s.runs[run.FlowID]) > s.maxRunsPerFlow {
		evicted = s.runs[run.FlowID][0]
		s.runs[run.FlowID] = s.runs[run.FlowID][1:]
	}
	s.mu.Unlock()

	if evicted != nil {
		_ = os.Remove(s.runPath(run.FlowID, evicted.ID))
	}
	return writeJSONFile(s.runPath(run.FlowID, run.ID), run)
}

// PushNodeRun appends a NodeRun to a run's node-run list and rewrites the
// run file.
func (s *Store) PushNodeRun(_ context.Context, runID string, nr models.NodeRun) error {
	run, flowID := s.findRun(runID)
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	s.mu.Lock()
	run.NodeRuns = append(run.NodeRuns, nr)
	s.mu.Unlock()
	return writeJSONFile(s.runPath(flowID, runID), run)
}

// CompleteNodeRun finalizes a NodeRun in place and rewrites the run file.
func (s *Store) CompleteNodeRun(_ context.Context, runID, nodeID string, status models.RunStatus, preview string, finishedAt time.Time) error {
	run, flowID := s.findRun(runID)
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	s.mu.Lock()
	for i := range run.NodeRuns {
		if run.NodeRuns[i].NodeID == nodeID {
			run.NodeRuns[i].Status = status
			run.NodeRuns[i].OutputPreview = preview
			run.NodeRuns[i].FinishedAt = &finishedAt
		}
	}
	s.mu.Unlock()
	return writeJSONFile(s.runPath(flowID, runID), run)
}

// CompleteRun finalizes a FlowRun's terminal status and rewrites the file.
func (s *Store) CompleteRun(_ context.Context, runID string, status models.RunStatus, errMsg string, finishedAt time.Time) error {
	run, flowID := s.findRun(runID)
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	s.mu.Lock()
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = &finishedAt
	s.mu.Unlock()
	return writeJSONFile(s.runPath(flowID, runID), run)
}

func (s *Store) findRun(runID string) (*models.FlowRun, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for flowID, runs := range s.runs {
		for _, r := range runs {
			if r.ID == runID {
				return r, flowID
			}
		}
	}
	return nil, ""
}

// loadSnapshot loads sessions.yaml, falling back to the legacy schema, then
// to an empty store with a warning if neither parses.
func (s *Store) loadSnapshot() error {
	data, err := os.ReadFile(s.sessionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var schema snapshotSchema
	if err := yaml.Unmarshal(data, &schema); err == nil && (schema.Sessions != nil || schema.VMs != nil) {
		s.snapMu.Lock()
		if schema.Sessions != nil {
			for _, fs := range schema.Sessions {
				for _, sess := range fs.Sessions {
					sess.ResetRuntimeFields()
				}
			}
			s.sessions = schema.Sessions
		}
		if schema.VMs != nil {
			s.vms = schema.VMs
		}
		s.snapMu.Unlock()
		return nil
	}

	var legacy legacySnapshotSchema
	if err := yaml.Unmarshal(data, &legacy); err == nil && legacy.Sessions != nil {
		s.logger.Warn("migrating legacy single-session-per-flow sessions file")
		s.snapMu.Lock()
		for key, sess := range legacy.Sessions {
			sess.ResetRuntimeFields()
			s.sessions[key] = &models.FlowSessions{Sessions: []*models.InteractSession{sess}, ActiveSessionID: sess.ID}
		}
		s.snapMu.Unlock()
		return nil
	}

	s.logger.Warn("sessions file matches neither current nor legacy schema, starting empty")
	return nil
}

// SaveSnapshot clones the in-memory session/VM maps under the read lock,
// drops the lock, then writes the snapshot via temp-file + rename so the
// on-disk file is always either the previous or the current full state.
func (s *Store) SaveSnapshot() error {
	s.snapMu.RLock()
	schema := snapshotSchema{
		Sessions: cloneSessions(s.sessions),
		VMs:      cloneVMs(s.vms),
	}
	s.snapMu.RUnlock()

	data, err := yaml.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal sessions snapshot: %w", err)
	}
	return writeFileAtomic(s.sessionsPath(), data)
}

func cloneSessions(in map[string]*models.FlowSessions) map[string]*models.FlowSessions {
	out := make(map[string]*models.FlowSessions, len(in))
	for k, v := range in {
		sessions := make([]*models.InteractSession, len(v.Sessions))
		for i, sess := range v.Sessions {
			clone := *sess
			sessions[i] = &clone
		}
		out[k] = &models.FlowSessions{Sessions: sessions, ActiveSessionID: v.ActiveSessionID}
	}
	return out
}

func cloneVMs(in map[string]*models.VmMapping) map[string]*models.VmMapping {
	out := make(map[string]*models.VmMapping, len(in))
	for k, v := range in {
		clone := *v
		out[k] = &clone
	}
	return out
}

// SessionsSnapshot returns a live view of the in-memory session map used by
// sessionstore.Store. Mutations go through SetSessions/SetVMMapping below;
// this is a read-only accessor used on load.
func (s *Store) SessionsSnapshot() map[string]*models.FlowSessions {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return cloneSessions(s.sessions)
}

// VMsSnapshot returns a live view of the in-memory VM map.
func (s *Store) VMsSnapshot() map[string]*models.VmMapping {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return cloneVMs(s.vms)
}

// SetSessions replaces the in-memory session map (called by sessionstore
// after each mutation) and persists the snapshot.
func (s *Store) SetSessions(sessions map[string]*models.FlowSessions) error {
	s.snapMu.Lock()
	s.sessions = cloneSessions(sessions)
	s.snapMu.Unlock()
	return s.SaveSnapshot()
}

// SetVMMapping upserts one VM mapping entry and persists the snapshot. A
// nil mapping deletes the key.
func (s *Store) SetVMMapping(key string, mapping *models.VmMapping) error {
	s.snapMu.Lock()
	if mapping == nil {
		delete(s.vms, key)
	} else {
		s.vms[key] = mapping
	}
	s.snapMu.Unlock()
	return s.SaveSnapshot()
}
