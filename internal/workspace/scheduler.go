package workspace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/observability"
)

// CleanupFunc removes one agent's workspace from the owning user's device.
// Returning an error (the device being offline included) keeps the agent
// queued for the next scan.
type CleanupFunc func(ctx context.Context, userID, agentID string) error

type completedEntry struct {
	owner string
	at    time.Time
}

// CleanupScheduler deletes workspaces of agents that finished longer than
// the retention window ago. Agents are registered via MarkCompleted when
// they reach a terminal status; the scan runs on a cron schedule and retries
// failed deletions on later passes.
type CleanupScheduler struct {
	cfg     config.WorkspaceConfig
	cleanup CleanupFunc
	logger  *slog.Logger
	metrics *observability.Metrics

	cron *cron.Cron
	now  func() time.Time

	mu        sync.Mutex
	completed map[string]completedEntry
	running   bool
}

// NewCleanupScheduler creates a scheduler; Start must be called before any
// scans happen.
func NewCleanupScheduler(cfg config.WorkspaceConfig, cleanup CleanupFunc, logger *slog.Logger, metrics *observability.Metrics) *CleanupScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupScheduler{
		cfg:       cfg,
		cleanup:   cleanup,
		logger:    logger.With("component", "workspace_cleanup"),
		metrics:   metrics,
		now:       time.Now,
		completed: make(map[string]completedEntry),
	}
}

// MarkCompleted records that one of userID's agents reached a terminal
// status now. Its workspace becomes eligible for deletion after the
// retention window.
func (s *CleanupScheduler) MarkCompleted(agentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.completed[agentID]; !ok {
		s.completed[agentID] = completedEntry{owner: userID, at: s.now()}
	}
}

// Forget drops an agent from the cleanup queue, keeping its workspace. Used
// when a finished agent's output is picked up by a follow-up task.
func (s *CleanupScheduler) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.completed, agentID)
}

// Pending returns how many agents are queued for cleanup.
func (s *CleanupScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// Start begins periodic scans.
func (s *CleanupScheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.cron = cron.New()
	spec := "@every " + s.cfg.CleanupScanInterval.String()
	if _, err := s.cron.AddFunc(spec, func() {
		s.Scan(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("cleanup scheduler started",
		"scan_interval", s.cfg.CleanupScanInterval,
		"retention", s.cfg.CleanupAfter,
	)
	return nil
}

// Stop halts scans, waiting for an in-flight scan to finish or the context
// to expire.
func (s *CleanupScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("cleanup scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan deletes every workspace whose retention window has passed. Agents
// whose cleanup fails stay queued and are retried on the next scan.
func (s *CleanupScheduler) Scan(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.CleanupAfter)

	type dueEntry struct{ agentID, owner string }
	s.mu.Lock()
	due := make([]dueEntry, 0, len(s.completed))
	for agentID, e := range s.completed {
		if e.at.Before(cutoff) {
			due = append(due, dueEntry{agentID: agentID, owner: e.owner})
		}
	}
	s.mu.Unlock()

	for _, d := range due {
		if err := s.cleanup(ctx, d.owner, d.agentID); err != nil {
			s.logger.Warn("workspace cleanup failed, will retry",
				"agent_id", d.agentID,
				"error", err,
			)
			continue
		}
		s.mu.Lock()
		delete(s.completed, d.agentID)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.WorkspaceCleanups.Inc()
		}
		s.logger.Info("workspace cleaned up", "agent_id", d.agentID)
	}
}
