package agents

import (
	"context"
	"log/slog"
	"sync"

	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// ResumeFunc re-enters the pipeline for one interrupted agent with its
// restated requests joined into the new intake.
type ResumeFunc func(ctx context.Context, userID, agentID string, restated []string) error

// Coordinator runs the dead-agent scan on heartbeats and resumes what it
// can. At most one scan per device runs at a time; heartbeats arriving while
// one is in flight are dropped.
type Coordinator struct {
	registry *Registry
	scanner  *Scanner
	resume   ResumeFunc
	logger   *slog.Logger

	mu       sync.Mutex
	scanning map[string]bool
}

// NewCoordinator wires the scanner to the resume entry point.
func NewCoordinator(registry *Registry, scanner *Scanner, resume ResumeFunc, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		scanner:  scanner,
		resume:   resume,
		logger:   logger.With("component", "recovery"),
		scanning: make(map[string]bool),
	}
}

// OnHeartbeat scans the device's workspaces and resumes every resumable
// dead agent. Callers run it off the connection's read loop; the scan does
// bridge round-trips.
func (c *Coordinator) OnHeartbeat(ctx context.Context, userID, deviceID string, runner workspace.Runner) {
	c.mu.Lock()
	if c.scanning[deviceID] {
		c.mu.Unlock()
		return
	}
	c.scanning[deviceID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.scanning, deviceID)
		c.mu.Unlock()
	}()

	dead, err := c.scanner.Scan(ctx, runner)
	if err != nil {
		c.logger.Warn("dead-agent scan failed", "device_id", deviceID, "error", err)
		return
	}
	for _, d := range dead {
		if !d.Resumable {
			continue
		}
		c.resumeAgent(ctx, userID, runner, d)
	}
}

// resumeAgent registers the handle first, then flips the persona back to
// running, then starts the run. Registration before the status write keeps
// the next scan from judging the agent dead again.
func (c *Coordinator) resumeAgent(ctx context.Context, userID string, runner workspace.Runner, d DeadAgent) {
	c.registry.Register(d.AgentID)
	m := workspace.NewManager(runner, d.AgentID, c.logger)
	if !m.MutatePersona(ctx, func(p *models.AgentPersona) {
		p.Status = models.StatusRunning
	}) {
		c.registry.Unregister(d.AgentID)
		c.logger.Warn("could not mark agent running, resume skipped", "agent_id", d.AgentID)
		return
	}

	c.logger.Info("resuming interrupted agent", "agent_id", d.AgentID, "user_id", userID)
	restated := d.RestatedRequests
	// The run must outlive the heartbeat frame; device loss surfaces
	// through bridge errors, not context cancellation.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := c.resume(runCtx, userID, d.AgentID, restated); err != nil {
			c.logger.Error("agent resume failed", "agent_id", d.AgentID, "error", err)
		}
	}()
}
