package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/agents"
	"github.com/druidia-bot/dotbot/internal/devices"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// logSearchToolID is nudged into failing conversations when the client
// offers it: its output carries the client-side error detail.
const logSearchToolID = "logs.search"

// deviceToolset is the tool surface of one client session: its manifest
// turned into definitions, plus handlers that ship every call over the
// bridge as an execution_request.
type deviceToolset struct {
	defs         []models.ToolDefinition
	handlers     agent.HandlerMap
	hasLogSearch bool
}

// loadToolset fetches the session's manifest and binds a handler per tool.
func (p *Pipeline) loadToolset(ctx context.Context, sess *devices.Session) (*deviceToolset, error) {
	manifest, err := sess.Bridge.ToolManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch tool manifest: %w", err)
	}
	defs, err := models.ManifestToTools(manifest)
	if err != nil {
		return nil, err
	}

	ts := &deviceToolset{
		defs:     defs,
		handlers: make(agent.HandlerMap, len(defs)),
	}
	for _, def := range defs {
		if def.ID == logSearchToolID {
			ts.hasLogSearch = true
		}
		// The loop dispatches on the sanitized name; the command that goes
		// over the wire carries the dotted id.
		ts.handlers[def.Name] = executionHandler(sess, def.ID, ts)
	}
	return ts, nil
}

// executionHandler adapts one client tool into a loop handler. Client-side
// failures come back as handler errors so the loop's stuck detection counts
// them; bridge failures propagate untouched so infrastructure loss is still
// recognizable upstream.
func executionHandler(sess *devices.Session, toolID string, ts *deviceToolset) agent.Handler {
	return func(call *agent.CallContext, args map[string]any) (*agent.HandlerResult, error) {
		res, err := sess.Bridge.Execute(call.Ctx, models.ToolCommand{
			ID:       uuid.NewString(),
			ToolID:   toolID,
			ToolArgs: args,
		})
		if err != nil {
			return nil, err
		}
		if !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "tool reported failure without detail"
			}
			if ts.hasLogSearch && toolID != logSearchToolID {
				return nil, fmt.Errorf("%s failed: %s (call %s for the client-side error detail)",
					toolID, msg, models.SanitizeToolName(logSearchToolID))
			}
			return nil, fmt.Errorf("%s failed: %s", toolID, msg)
		}

		out := res.Output
		if out == "" && len(res.Data) > 0 {
			out = string(res.Data)
		}
		if out == "" {
			out = "OK"
		}
		return &agent.HandlerResult{Content: out}, nil
	}
}

// scoped filters the toolset by a persona's allowed list. An entry matches a
// whole category or an exact tool id; an empty list allows everything.
func (ts *deviceToolset) scoped(allowed []string) ([]models.ToolDefinition, agent.HandlerMap) {
	if len(allowed) == 0 {
		return ts.defs, ts.handlers
	}
	want := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		want[strings.ToLower(strings.TrimSpace(a))] = true
	}
	var defs []models.ToolDefinition
	handlers := make(agent.HandlerMap)
	for _, def := range ts.defs {
		if want[def.ID] || want[models.ToolCategory(def.ID)] {
			defs = append(defs, def)
			handlers[def.Name] = ts.handlers[def.Name]
		}
	}
	return defs, handlers
}

// readOnlyVerbs is the intake scope: the receptionist and the research hook
// may look anything up but must not mutate client state beyond memory
// priming.
var readOnlyVerbs = map[string]bool{
	"read": true, "list": true, "get": true, "search": true,
	"find": true, "query": true, "status": true, "recent": true,
}

// readOnly returns the lookup-only slice of the toolset.
func (ts *deviceToolset) readOnly() ([]models.ToolDefinition, agent.HandlerMap) {
	var defs []models.ToolDefinition
	handlers := make(agent.HandlerMap)
	for _, def := range ts.defs {
		if !readOnlyVerbs[models.ToolVerb(def.ID)] && models.ToolCategory(def.ID) != "memory" {
			continue
		}
		defs = append(defs, def)
		handlers[def.Name] = ts.handlers[def.Name]
	}
	return defs, handlers
}

// requestToolsHook grants extra tool categories mid-run. Backs both
// agent.request_tools and the auto-resolve half of agent.escalate.
func (p *Pipeline) requestToolsHook(ts *deviceToolset) func(context.Context, []string) ([]models.ToolDefinition, agent.HandlerMap, error) {
	return func(_ context.Context, categories []string) ([]models.ToolDefinition, agent.HandlerMap, error) {
		if len(categories) == 0 {
			return nil, nil, errors.New("no tool categories named")
		}
		want := make(map[string]bool, len(categories))
		for _, c := range categories {
			want[strings.ToLower(strings.TrimSpace(c))] = true
		}
		var defs []models.ToolDefinition
		handlers := make(agent.HandlerMap)
		for _, def := range ts.defs {
			if want[models.ToolCategory(def.ID)] || want[def.ID] {
				defs = append(defs, def)
				handlers[def.Name] = ts.handlers[def.Name]
			}
		}
		if len(defs) == 0 {
			return nil, nil, fmt.Errorf("device offers no tools in categories %s", strings.Join(categories, ", "))
		}
		return defs, handlers, nil
	}
}

// researchHook answers agent.request_research with a nested lookup-only
// loop run on the workhorse tier.
func (p *Pipeline) researchHook(ts *deviceToolset, agentID, userID string) func(context.Context, string, string, string) (string, error) {
	return func(ctx context.Context, query, depth, format string) (string, error) {
		client, model, err := p.tiers.Tier(llm.TierWorkhorse)
		if err != nil {
			client, model, err = p.tiers.Tier(llm.TierNano)
			if err != nil {
				return "", err
			}
		}

		iterations := 4
		if depth == "deep" {
			iterations = 8
		}
		sys := "You are a research assistant. Use the available lookup tools to answer the " +
			"question, then reply with your findings only."
		if format != "" {
			sys += " Format the findings as " + format + "."
		}

		defs, handlers := ts.readOnly()
		res, err := p.loop.Run(ctx, agent.RunOptions{
			Client:        client,
			Model:         model,
			System:        sys,
			Messages:      []models.ChatMessage{{Role: models.RoleUser, Content: query}},
			Tools:         defs,
			Handlers:      handlers,
			MaxIterations: iterations,
			PersonaID:     "researcher",
			Call:          agent.NewCallContext(ctx, agentID, "researcher", userID),
		})
		if err != nil {
			return "", err
		}
		if res.FinalContent == "" {
			return "", errors.New("research produced no findings")
		}
		return res.FinalContent, nil
	}
}

// waitForUserHook suspends the loop until the follow-up router delivers the
// user's next message to this agent, or the wait times out. The user is
// told what the agent is waiting on.
func (p *Pipeline) waitForUserHook(sess *devices.Session, handle *agents.Handle) func(context.Context, string, string, time.Duration) (string, error) {
	return func(ctx context.Context, reason, hint string, timeout time.Duration) (string, error) {
		if timeout <= 0 {
			timeout = p.cfg.Loop.WaitForUserTimeout
		}
		msg := reason
		if hint != "" {
			msg += " (" + hint + ")"
		}
		sess.Bridge.NotifyUser(models.NotificationPayload{
			Level:   "info",
			Title:   "Waiting for your input",
			Message: msg,
		})

		ch := make(chan string, 1)
		handle.ArmWaiter(ch)

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case reply := <-ch:
			return reply, nil
		case <-timer.C:
		case <-ctx.Done():
			handle.DisarmWaiter()
			return "", ctx.Err()
		case <-handle.AbortSignal():
			handle.DisarmWaiter()
			return "", errors.New("run aborted while waiting for the user")
		}

		// Timed out. Disarm first, then drain: a reply pushed in the gap
		// between the timer firing and the disarm still wins.
		handle.DisarmWaiter()
		select {
		case reply := <-ch:
			return reply, nil
		default:
		}
		return "", fmt.Errorf("no user reply within %s (asked because: %s)", timeout, reason)
	}
}
