// Package scheduler supervises trigger-driven flow execution: one cron
// loop or change-detection poll loop per enabled flow, keyed by flow ID.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/models"
)

var (
	ErrFlowNotRunning  = errors.New("scheduler: flow is not running")
	ErrFlowNotRunnable = errors.New("scheduler: flow has no trigger node or is disabled")
)

// FlowStore is the subset of persistence.Store the scheduler re-reads on
// every tick, so a flow disabled or deleted mid-run is noticed promptly.
type FlowStore interface {
	Flow(id string) (*models.Flow, bool)
	Flows() []*models.Flow
}

// Runner executes one flow run to completion, same signature as
// engine.Engine.Run.
type Runner interface {
	Run(ctx context.Context, flow *models.Flow, initialCtx map[string]any) (*models.FlowRun, error)
}

// PolledItem is one upstream item observed during a poll tick.
type PolledItem struct {
	ID           string
	Hash         string
	PreviousHash string
	ReviewType   string // "initial" or "re-review"
}

// PollSource abstracts the seed/poll/diff cycle for one change-detection
// trigger kind (e.g. "github"), so the scheduler stays protocol-agnostic.
type PollSource interface {
	// SeedRepo returns the currently open item set for repo as id -> hash.
	SeedRepo(ctx context.Context, repo string) (map[string]string, error)
	// PollRepo compares the current open set against seen and returns the
	// items marked initial or re-review, per the rules in spec §4.4.
	PollRepo(ctx context.Context, repo string, seen map[string]string) ([]PolledItem, error)
	// Acknowledge posts a starting acknowledgement to the upstream.
	Acknowledge(ctx context.Context, repo string, item PolledItem) error
	// BuildContext fetches the item's diff and assembles the initial
	// run context (diff, refs, repo slug, local path, review_type).
	BuildContext(ctx context.Context, repo string, item PolledItem) (map[string]any, error)
}

// TriggerRegistry resolves a poll-style trigger kind (anything other than
// "cron", "manual", "webhook") to a configured PollSource.
type TriggerRegistry interface {
	PollSource(kind string, nodeConfig map[string]any) (PollSource, error)
}

type supervisedFlow struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler supervises one task per running flow.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*supervisedFlow

	flows    FlowStore
	engine   Runner
	triggers TriggerRegistry
	cronP    cron.Parser
	cfg      config.FlowSchedulerConfig
	logger   *logger.Logger
}

// New constructs a Scheduler.
func New(flows FlowStore, engine Runner, triggers TriggerRegistry, cfg config.FlowSchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		tasks:    map[string]*supervisedFlow{},
		flows:    flows,
		engine:   engine,
		triggers: triggers,
		cronP:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "flow-scheduler")),
	}
}

// StartAll starts a supervision task for every enabled, runnable flow.
func (s *Scheduler) StartAll(ctx context.Context) {
	for _, flow := range s.flows.Flows() {
		if !flow.Enabled || !flow.Runnable() {
			continue
		}
		if err := s.StartFlow(ctx, flow.ID); err != nil {
			s.logger.Warn("flow not started", zap.String("flow_id", flow.ID), zap.Error(err))
		}
	}
}

// StartFlow spawns the supervision task for flowID, chosen by its trigger
// node's kind. Manual and webhook kinds are no-ops (they run only on
// direct invocation, never on a schedule).
func (s *Scheduler) StartFlow(ctx context.Context, flowID string) error {
	flow, ok := s.flows.Flow(flowID)
	if !ok || !flow.Runnable() {
		return ErrFlowNotRunnable
	}
	trigger := triggerNode(flow)
	if trigger == nil {
		return ErrFlowNotRunnable
	}

	s.mu.Lock()
	if _, running := s.tasks[flowID]; running {
		s.mu.Unlock()
		return nil
	}
	taskCtx, cancel := context.WithCancel(ctx)
	sup := &supervisedFlow{cancel: cancel, done: make(chan struct{})}
	s.tasks[flowID] = sup
	s.mu.Unlock()

	switch trigger.Kind {
	case "cron":
		go func() {
			defer close(sup.done)
			s.cronLoop(taskCtx, flowID, trigger)
		}()
	case "manual", "webhook":
		// No scheduled execution; nothing to supervise.
		close(sup.done)
		s.mu.Lock()
		delete(s.tasks, flowID)
		s.mu.Unlock()
	default:
		go func() {
			defer close(sup.done)
			s.pollLoop(taskCtx, flowID, trigger)
		}()
	}
	return nil
}

// StopFlow cancels and waits for flowID's supervision task, if any.
func (s *Scheduler) StopFlow(flowID string) error {
	s.mu.Lock()
	sup, ok := s.tasks[flowID]
	s.mu.Unlock()
	if !ok {
		return ErrFlowNotRunning
	}
	sup.cancel()
	<-sup.done
	s.mu.Lock()
	delete(s.tasks, flowID)
	s.mu.Unlock()
	return nil
}

// RestartFlow is Stop followed by Start.
func (s *Scheduler) RestartFlow(ctx context.Context, flowID string) error {
	if err := s.StopFlow(flowID); err != nil && !errors.Is(err, ErrFlowNotRunning) {
		return err
	}
	return s.StartFlow(ctx, flowID)
}

func (s *Scheduler) IsRunning(flowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[flowID]
	return ok
}

func triggerNode(flow *models.Flow) *models.Node {
	for i := range flow.Nodes {
		if flow.Nodes[i].Type == models.NodeTypeTrigger {
			return &flow.Nodes[i]
		}
	}
	return nil
}

// lookupRunnable re-reads the flow on each tick; a missing or disabled
// flow causes the caller's loop to exit per spec §4.4.
func (s *Scheduler) lookupRunnable(flowID string) (*models.Flow, bool) {
	flow, ok := s.flows.Flow(flowID)
	if !ok || !flow.Enabled || !flow.Runnable() {
		return nil, false
	}
	return flow, true
}

func (s *Scheduler) cronLoop(ctx context.Context, flowID string, trigger *models.Node) {
	schedule, _ := trigger.Config["schedule"].(string)
	log := s.logger.WithFields(zap.String("flow_id", flowID), zap.String("schedule", schedule))
	log.Info("cron trigger started")

	for {
		if ctx.Err() != nil {
			return
		}
		sched, err := s.cronP.Parse(schedule)
		if err != nil {
			log.Error("invalid cron expression", zap.Error(err))
			if !sleepCtx(ctx, s.cfg.CronBackoff()) {
				return
			}
			continue
		}

		now := time.Now()
		next := sched.Next(now)
		if !sleepUntil(ctx, next) {
			return
		}
		if rem := time.Until(next); rem > 0 {
			if !sleepCtx(ctx, rem) {
				return
			}
		}

		flow, ok := s.lookupRunnable(flowID)
		if !ok {
			log.Info("flow missing or disabled, cron loop exiting")
			return
		}
		if _, err := s.engine.Run(ctx, flow, nil); err != nil {
			log.Error("cron flow run failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) pollLoop(ctx context.Context, flowID string, trigger *models.Node) {
	log := s.logger.WithFields(zap.String("flow_id", flowID), zap.String("trigger_kind", trigger.Kind))

	source, err := s.triggers.PollSource(trigger.Kind, trigger.Config)
	if err != nil {
		log.Error("no poll source for trigger kind", zap.Error(err))
		return
	}

	repos := stringSlice(trigger.Config["repos"])
	pollInterval := time.Duration(intOr(trigger.Config["poll_interval"], s.cfg.PollMinIntervalSeconds)) * time.Second
	if pollInterval < s.cfg.PollMinInterval() {
		pollInterval = s.cfg.PollMinInterval()
	}

	seeded := s.seedRepos(ctx, log, source, repos)
	if len(seeded) == 0 {
		log.Warn("no repos seeded successfully, poll loop exiting")
		return
	}
	log.Info("poll loop started", zap.Int("repos", len(seeded)), zap.Duration("interval", pollInterval))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flow, ok := s.lookupRunnable(flowID)
			if !ok {
				log.Info("flow missing or disabled, poll loop exiting")
				return
			}
			s.pollTick(ctx, log, flow, source, seeded)
		}
	}
}

func (s *Scheduler) seedRepos(ctx context.Context, log *logger.Logger, source PollSource, repos []string) map[string]map[string]string {
	seeded := map[string]map[string]string{}
	for _, repo := range repos {
		seen, err := seedWithBackoff(ctx, source, repo)
		if err != nil {
			log.Error("failed to seed repo, dropping from watch set", zap.String("repo", repo), zap.Error(err))
			continue
		}
		for id, hash := range seen {
			if hash == "" {
				delete(seen, id) // never seed with an empty hash
			}
		}
		seeded[repo] = seen
		log.Info("seeded repo", zap.String("repo", repo), zap.Int("count", len(seen)))
	}
	return seeded
}

func seedWithBackoff(ctx context.Context, source PollSource, repo string) (map[string]string, error) {
	const maxRetries = 10
	const maxBackoff = 32 * time.Second

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		seen, err := source.SeedRepo(ctx, repo)
		if err == nil {
			return seen, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		if !sleepCtx(ctx, backoff) {
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("seed %s after %d attempts: %w", repo, maxRetries, lastErr)
}

func (s *Scheduler) pollTick(ctx context.Context, log *logger.Logger, flow *models.Flow, source PollSource, seeded map[string]map[string]string) {
	for repo, seen := range seeded {
		items, err := source.PollRepo(ctx, repo, seen)
		if err != nil {
			log.Error("poll failed", zap.String("repo", repo), zap.Error(err))
			continue
		}
		for _, item := range items {
			if item.Hash == "" {
				continue
			}
			seen[item.ID] = item.Hash

			if err := source.Acknowledge(ctx, repo, item); err != nil {
				log.Warn("failed to post acknowledgement", zap.String("repo", repo), zap.String("item", item.ID), zap.Error(err))
			}

			runCtx, err := source.BuildContext(ctx, repo, item)
			if err != nil {
				log.Error("failed to build run context", zap.String("repo", repo), zap.String("item", item.ID), zap.Error(err))
				continue
			}
			if runCtx == nil {
				runCtx = map[string]any{}
			}
			runCtx["review_type"] = item.ReviewType

			if _, err := s.engine.Run(ctx, flow, runCtx); err != nil {
				log.Error("triggered flow run failed", zap.String("repo", repo), zap.String("item", item.ID), zap.Error(err))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func sleepUntil(ctx context.Context, when time.Time) bool {
	return sleepCtx(ctx, time.Until(when))
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intOr(v any, def int) int {
	switch vv := v.(type) {
	case int:
		return vv
	case float64:
		return int(vv)
	default:
		return def
	}
}
