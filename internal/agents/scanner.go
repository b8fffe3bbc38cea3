package agents

import (
	"context"
	"log/slog"

	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// DeadAgent is one workspace whose executor is gone. Status is the persona
// status as found on disk, before the scan touched anything.
type DeadAgent struct {
	AgentID          string
	Status           models.AgentStatus
	Marked           bool
	Resumable        bool
	RestatedRequests []string
}

// Scanner finds agents that died mid-run. A persona that is not terminal and
// has no registered executor is dead. Only running personas are marked on
// disk (interrupted when resumable, failed when not); paused, blocked and
// researching agents are reported untouched, and an agent a previous scan
// already marked interrupted stays resumable so resumption can retry.
type Scanner struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewScanner creates a scanner over the given registry.
func NewScanner(registry *Registry, logger *slog.Logger, metrics *observability.Metrics) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		registry: registry,
		logger:   logger.With("component", "dead_agent_scanner"),
		metrics:  metrics,
	}
}

// Scan walks the workspace root on the device behind runner and returns the
// dead agents it found.
func (s *Scanner) Scan(ctx context.Context, runner workspace.Runner) ([]DeadAgent, error) {
	ids, err := workspace.ListAgents(ctx, runner)
	if err != nil {
		return nil, err
	}

	var dead []DeadAgent
	for _, id := range ids {
		m := workspace.NewManager(runner, id, s.logger)
		persona, err := m.ReadPersona(ctx)
		if err != nil {
			s.logger.Warn("persona unreadable during scan", "agent_id", id, "error", err)
			continue
		}
		if models.TaskDone(persona.Status) {
			continue
		}
		if s.registry.IsRegistered(id) {
			if persona.Status != models.StatusRunning {
				s.logger.Warn("registered agent not marked running",
					"agent_id", id, "status", persona.Status)
			}
			continue
		}

		d := DeadAgent{
			AgentID:          id,
			Status:           persona.Status,
			RestatedRequests: persona.RestatedRequests,
		}
		switch persona.Status {
		case models.StatusRunning:
			d.Resumable = s.resumable(ctx, m, persona)
			status := models.StatusFailed
			outcome := "failed"
			if d.Resumable {
				status = models.StatusInterrupted
				outcome = "interrupted"
			}
			d.Marked = m.MutatePersona(ctx, func(p *models.AgentPersona) {
				p.Status = status
			})
			if s.metrics != nil {
				s.metrics.DeadAgentScans.WithLabelValues(outcome).Inc()
			}
			s.logger.Info("dead agent found",
				"agent_id", id,
				"previous_status", persona.Status,
				"marked", status,
			)
		case models.StatusInterrupted:
			// Marked by an earlier scan but never resumed.
			d.Resumable = s.resumable(ctx, m, persona)
			s.logger.Debug("interrupted agent awaiting resume",
				"agent_id", id, "resumable", d.Resumable)
		default:
			// paused, blocked, researching, failed: report, never touch.
			s.logger.Debug("inactive agent reported by scan",
				"agent_id", id, "status", persona.Status)
		}
		dead = append(dead, d)
	}

	if len(dead) == 0 && s.metrics != nil {
		s.metrics.DeadAgentScans.WithLabelValues("clean").Inc()
	}
	return dead, nil
}

// resumable requires at least one restated request on the persona and at
// least one remaining step in the plan.
func (s *Scanner) resumable(ctx context.Context, m *workspace.Manager, persona *models.AgentPersona) bool {
	if len(persona.RestatedRequests) == 0 {
		return false
	}
	plan, err := m.ReadPlan(ctx)
	if err != nil {
		s.logger.Warn("plan unreadable during scan", "agent_id", persona.AgentID, "error", err)
		return false
	}
	return len(plan.Progress.RemainingStepIDs) > 0
}
