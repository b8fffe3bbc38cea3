package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/devices"
	"github.com/druidia-bot/dotbot/internal/journal"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// contextSectionLimit caps each gathered context block so a large memory
// index cannot crowd the planner's window.
const contextSectionLimit = 4000

// intake is what the receptionist stage hands to the planner.
type intake struct {
	agentID   string
	knowledge string
	personas  []models.PersonaSpec
}

// runIntake gathers client-side context, runs the receptionist loop under
// the global FIFO, and materializes the agent workspace. createWorkspace is
// false on resumption, where the directories already exist.
func (p *Pipeline) runIntake(ctx context.Context, sess *devices.Session, ts *deviceToolset, jnl *journal.Journal, req *runRequest, createWorkspace bool) (*intake, error) {
	in := &intake{agentID: req.agentID}
	if in.agentID == "" {
		in.agentID = newAgentID()
	}

	sections, personas := p.gatherContext(ctx, sess, jnl)
	in.personas = personas
	if req.priorOutput != "" {
		sections = append(sections, fmt.Sprintf("Earlier task %q finished with this result:\n%s",
			req.priorTask, clip(req.priorOutput, contextSectionLimit)))
	}

	jnl.Record("intake", "receptionist_wait", "queued", p.recept.waiting())
	if err := p.recept.acquire(ctx); err != nil {
		return nil, fmt.Errorf("receptionist queue: %w", err)
	}
	summary, err := p.runReceptionist(ctx, sess, ts, req, sections)
	p.recept.release()
	if err != nil {
		// The gathered sections still make a usable knowledge base.
		jnl.RecordError("intake", "receptionist_failed", err)
		p.logger.Warn("receptionist run failed, planning from raw context",
			"user_id", req.userID, "error", err)
	} else if summary != "" {
		sections = append(sections, "Receptionist notes:\n"+summary)
	}

	in.knowledge = "# Intake knowledge\n\nRequest: " + req.text + "\n\n" + strings.Join(sections, "\n\n")

	ws := workspace.NewManager(sess.Bridge, in.agentID, p.logger)
	if createWorkspace {
		if err := ws.Create(ctx); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	if err := ws.WriteIntakeKnowledge(ctx, in.knowledge); err != nil {
		return nil, fmt.Errorf("write intake knowledge: %w", err)
	}
	jnl.Record("intake", "workspace_ready", "agent_id", in.agentID)
	return in, nil
}

// gatherContext pulls the client-side context blocks, each best-effort: a
// failed lookup is logged and skipped, never fatal to the run.
func (p *Pipeline) gatherContext(ctx context.Context, sess *devices.Session, jnl *journal.Journal) ([]string, []models.PersonaSpec) {
	var sections []string

	fetches := []struct {
		label string
		fn    func() (json.RawMessage, error)
	}{
		{"Memory index", func() (json.RawMessage, error) {
			return sess.Bridge.Memory(ctx, models.MemoryActionIndex, nil)
		}},
		{"Recent conversation", func() (json.RawMessage, error) {
			return sess.Bridge.Memory(ctx, models.MemoryActionRecent, nil)
		}},
		{"Active tasks", func() (json.RawMessage, error) {
			return sess.Bridge.Memory(ctx, models.MemoryActionActiveTasks, nil)
		}},
		{"User identity", func() (json.RawMessage, error) {
			return sess.Bridge.Memory(ctx, models.MemoryActionIdentity, nil)
		}},
		{"Councils", func() (json.RawMessage, error) {
			return sess.Bridge.Council(ctx, "list", nil)
		}},
	}
	for _, f := range fetches {
		raw, err := f.fn()
		if err != nil {
			p.logger.Debug("context fetch skipped", "section", f.label, "error", err)
			jnl.RecordError("intake", "context_fetch", err, "section", f.label)
			continue
		}
		if s := rawToText(raw); s != "" {
			sections = append(sections, f.label+":\n"+clip(s, contextSectionLimit))
		}
	}

	personas := p.fetchPersonas(ctx, sess)
	if len(personas) > 0 {
		names := make([]string, 0, len(personas))
		for _, ps := range personas {
			names = append(names, ps.ID)
		}
		sections = append(sections, "Available personas: "+strings.Join(names, ", "))
	}
	return sections, personas
}

// fetchPersonas loads the user's persona catalog. Accepts a bare array or a
// {"personas": [...]} wrapper.
func (p *Pipeline) fetchPersonas(ctx context.Context, sess *devices.Session) []models.PersonaSpec {
	raw, err := sess.Bridge.Persona(ctx, "list", nil)
	if err != nil {
		p.logger.Debug("persona catalog unavailable", "error", err)
		return nil
	}
	var specs []models.PersonaSpec
	if err := json.Unmarshal(raw, &specs); err == nil {
		return specs
	}
	var wrapped struct {
		Personas []models.PersonaSpec `json:"personas"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Personas
	}
	p.logger.Debug("persona catalog unparseable", "payload_bytes", len(raw))
	return nil
}

// runReceptionist primes the client's memory and searches for material
// relevant to the request. Lookup-only tools; bounded iterations.
func (p *Pipeline) runReceptionist(ctx context.Context, sess *devices.Session, ts *deviceToolset, req *runRequest, sections []string) (string, error) {
	client, model, err := p.tiers.Tier(llm.TierWorkhorse)
	if err != nil {
		client, model, err = p.tiers.Tier(llm.TierNano)
		if err != nil {
			return "", err
		}
	}

	defs, handlers := ts.readOnly()
	res, err := p.loop.Run(ctx, agent.RunOptions{
		Client: client,
		Model:  model,
		System: "You are the receptionist of a personal assistant. Use the lookup tools to " +
			"find files, notes, and memory entries relevant to the user's request, then reply " +
			"with a short briefing of what you found and what the task will need. Do not do " +
			"the task itself.",
		Messages: []models.ChatMessage{{
			Role: models.RoleUser,
			Content: fmt.Sprintf("Request:\n%s\n\nContext gathered so far:\n%s",
				req.text, clip(strings.Join(sections, "\n\n"), contextSectionLimit*2)),
		}},
		Tools:         defs,
		Handlers:      handlers,
		MaxIterations: p.cfg.Pipeline.ReceptionistIterations,
		PersonaID:     "receptionist",
		Call:          agent.NewCallContext(ctx, "", "receptionist", req.userID),
	})
	if err != nil {
		return "", err
	}
	return res.FinalContent, nil
}

func newAgentID() string {
	id := uuid.NewString()
	if i := strings.IndexByte(id, '-'); i > 0 {
		id = id[:i]
	}
	return "agent_" + id
}

// rawToText renders a service payload for prompt inclusion. JSON strings
// are unquoted; everything else is kept as compact JSON.
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
