// Package sessionstore holds the in-memory agent-session map with
// write-through persistence and the interactive-session cap.
package sessionstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/models"

	"sync"
)

var (
	// ErrSessionCapReached is returned when an agent already has
	// models.MaxInteractiveSessions interactive sessions.
	ErrSessionCapReached = errors.New("interactive session cap reached")
	// ErrSessionNotFound is returned when a session id is unknown for an agent.
	ErrSessionNotFound = errors.New("session not found")
	// ErrLastSession is returned when a delete would leave an agent with zero
	// sessions; deletion of the last session is refused.
	ErrLastSession = errors.New("cannot delete the last session")
	// ErrSessionBusy is returned by TryAcquire when a session is busy with a
	// live pool entry, per spec §4.2/§3's 409 CONFLICT contract.
	ErrSessionBusy = errors.New("session busy")
)

// StaleBusyTimeout is spec §3/§4.2's STALE_BUSY_TIMEOUT: a busy session with
// no live pool entry older than this is stale and auto-recovers on the next
// send rather than returning a conflict.
const StaleBusyTimeout = 300 * time.Second

// Snapshotter persists the full session map after each mutation.
type Snapshotter interface {
	SetSessions(sessions map[string]*models.FlowSessions) error
	SessionsSnapshot() map[string]*models.FlowSessions
}

// Store is the in-memory agent_key -> FlowSessions map.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.FlowSessions
	persist  Snapshotter
	logger   *logger.Logger
}

// New constructs a Store, loading its initial state from persist.
func New(persist Snapshotter, log *logger.Logger) *Store {
	return &Store{
		sessions: persist.SessionsSnapshot(),
		persist:  persist,
		logger:   log.WithFields(zap.String("component", "flow-sessionstore")),
	}
}

// mutate runs fn under the write lock, then clones the map, drops the lock,
// and persists — mutations never hold the lock across the write-through.
func (s *Store) mutate(fn func()) error {
	s.mu.Lock()
	fn()
	snapshot := cloneSessions(s.sessions)
	s.mu.Unlock()

	return s.persist.SetSessions(snapshot)
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

// List returns the FlowSessions for an agent key, or an empty value if none
// exist yet.
func (s *Store) List(agentKey string) models.FlowSessions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.sessions[agentKey]
	if !ok {
		return models.FlowSessions{}
	}
	return *fs
}

// Get returns one session by id.
func (s *Store) Get(agentKey, sessionID string) (*models.InteractSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.sessions[agentKey]
	if !ok {
		return nil, false
	}
	return fs.SessionByID(sessionID)
}

// CreateInteractive creates a new interactive session for agentKey, refusing
// with ErrSessionCapReached if the cap (models.MaxInteractiveSessions) is
// already hit.
func (s *Store) CreateInteractive(agentKey string) (*models.InteractSession, error) {
	sess := &models.InteractSession{
		ID:        uuid.NewString(),
		Kind:      models.SessionKindInteractive,
		CreatedAt: time.Now().UTC(),
	}

	var capErr error
	err := s.mutate(func() {
		fs, ok := s.sessions[agentKey]
		if !ok {
			fs = &models.FlowSessions{}
			s.sessions[agentKey] = fs
		}
		if fs.InteractiveCount() >= models.MaxInteractiveSessions {
			capErr = ErrSessionCapReached
			return
		}
		fs.Sessions = append(fs.Sessions, sess)
		fs.ActiveSessionID = sess.ID
	})
	if capErr != nil {
		return nil, capErr
	}
	if err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}
	return sess, nil
}

// CreateFlowRun creates a flow_run session; it is never counted against the
// interactive cap.
func (s *Store) CreateFlowRun(agentKey string, meta models.FlowRunMeta) (*models.InteractSession, error) {
	sess := &models.InteractSession{
		ID:        uuid.NewString(),
		Kind:      models.SessionKindFlowRun,
		CreatedAt: time.Now().UTC(),
		FlowRun:   &meta,
	}
	err := s.mutate(func() {
		fs, ok := s.sessions[agentKey]
		if !ok {
			fs = &models.FlowSessions{}
			s.sessions[agentKey] = fs
		}
		fs.Sessions = append(fs.Sessions, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("persist new flow-run session: %w", err)
	}
	return sess, nil
}

// Delete removes a session, refusing (ErrLastSession) if it is the agent's
// only session. Returns the id of the new active session, if any.
func (s *Store) Delete(agentKey, sessionID string) (string, error) {
	var newActive string
	var opErr error

	err := s.mutate(func() {
		fs, ok := s.sessions[agentKey]
		if !ok {
			opErr = ErrSessionNotFound
			return
		}
		if len(fs.Sessions) <= 1 {
			opErr = ErrLastSession
			return
		}
		idx := -1
		for i, sess := range fs.Sessions {
			if sess.ID == sessionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			opErr = ErrSessionNotFound
			return
		}
		fs.Sessions = append(fs.Sessions[:idx], fs.Sessions[idx+1:]...)
		if fs.ActiveSessionID == sessionID && len(fs.Sessions) > 0 {
			fs.ActiveSessionID = fs.Sessions[len(fs.Sessions)-1].ID
		}
		newActive = fs.ActiveSessionID
	})
	if opErr != nil {
		return "", opErr
	}
	if err != nil {
		return "", fmt.Errorf("persist session deletion: %w", err)
	}
	return newActive, nil
}

// SetBusy marks a session busy/idle, stamping busy_since on transition to
// busy and clearing it on transition to idle (busy ⇒ busy_since ≠ none;
// ¬busy ⇒ active_pid = none).
func (s *Store) SetBusy(agentKey, sessionID string, busy bool, pid int) error {
	return s.mutate(func() {
		fs, ok := s.sessions[agentKey]
		if !ok {
			return
		}
		sess, ok := fs.SessionByID(sessionID)
		if !ok {
			return
		}
		sess.Busy = busy
		if busy {
			now := time.Now().UTC()
			sess.BusySince = &now
			sess.PID = pid
		} else {
			sess.BusySince = nil
			sess.PID = 0
		}
	})
}

// TryAcquire claims a session for a new turn, applying spec §4.2's
// stale-session recovery rule: a session already busy with a live pool
// entry (poolEntryAlive) is a genuine conflict (ErrSessionBusy); one busy
// with no live pool entry, or whose busy_since predates timeout, is stale
// and is silently cleared and reacquired instead of rejected.
func (s *Store) TryAcquire(agentKey, sessionID string, poolEntryAlive bool, timeout time.Duration) error {
	var opErr error
	err := s.mutate(func() {
		fs, ok := s.sessions[agentKey]
		if !ok {
			opErr = ErrSessionNotFound
			return
		}
		sess, ok := fs.SessionByID(sessionID)
		if !ok {
			opErr = ErrSessionNotFound
			return
		}
		if sess.Busy && !IsStale(sess, poolEntryAlive, timeout) {
			opErr = ErrSessionBusy
			return
		}
		now := time.Now().UTC()
		sess.Busy = true
		sess.BusySince = &now
	})
	if opErr != nil {
		return opErr
	}
	if err != nil {
		return fmt.Errorf("persist session acquire: %w", err)
	}
	return nil
}

// RecordTurn updates a session's message count and total cost after a
// completed turn.
func (s *Store) RecordTurn(agentKey, sessionID string, costDelta float64) error {
	return s.mutate(func() {
		fs, ok := s.sessions[agentKey]
		if !ok {
			return
		}
		sess, ok := fs.SessionByID(sessionID)
		if !ok {
			return
		}
		sess.MessageCount++
		sess.TotalCost += costDelta
	})
}

// IsStale reports whether a busy session should be treated as stale per the
// rule in spec §4.2: busy with no pool entry is stale once busy_since is
// older than timeout (or absent).
func IsStale(sess *models.InteractSession, poolEntryAlive bool, timeout time.Duration) bool {
	if !sess.Busy {
		return false
	}
	if poolEntryAlive {
		return false
	}
	if sess.BusySince == nil {
		return true
	}
	return time.Since(*sess.BusySince) > timeout
}
