// Package pipeline turns user messages into executed agent runs: intake and
// receptionist context gathering, planning, step execution through the tool
// loop, and adaptive replanning between steps.
//
// One Pipeline serves every user. Receptionist runs are globally serialized
// because they mutate shared client-side memory; everything downstream runs
// in parallel across agents.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/agents"
	"github.com/druidia-bot/dotbot/internal/bridge"
	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/devices"
	"github.com/druidia-bot/dotbot/internal/journal"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// ErrRunInterrupted reports a run cut short by losing the device. The
// workspace keeps status running; the dead-agent scan resumes the work when
// the device reconnects.
var ErrRunInterrupted = errors.New("run interrupted: device disconnected")

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Loop    *agent.Loop
	Tiers   agent.TierRouter
	Devices *devices.Registry
	Agents  *agents.Registry
	Router  *agents.Router
	Cleanup *workspace.CleanupScheduler
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Pipeline is the message-to-agent orchestrator.
type Pipeline struct {
	cfg     config.Config
	loop    *agent.Loop
	tiers   agent.TierRouter
	devices *devices.Registry
	agents  *agents.Registry
	router  *agents.Router
	cleanup *workspace.CleanupScheduler
	logger  *slog.Logger
	metrics *observability.Metrics

	recept fifo
}

// New wires a pipeline.
func New(cfg config.Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		loop:    deps.Loop,
		tiers:   deps.Tiers,
		devices: deps.Devices,
		agents:  deps.Agents,
		router:  deps.Router,
		cleanup: deps.Cleanup,
		logger:  logger.With("component", "pipeline"),
		metrics: deps.Metrics,
	}
}

// runRequest carries one user request through the stages.
type runRequest struct {
	userID   string
	threadID string
	text     string

	// agentID is preset on resumption; fresh runs mint one at intake.
	agentID string

	// restated seeds the persona's restated-request history on resumption.
	restated []string

	// priorOutput/priorTask seed continuation runs that follow up on a
	// finished agent.
	priorOutput string
	priorTask   string
}

// HandleUserMessage is the entry point for a user_message frame. It routes
// follow-ups into running agents, answers small talk on the short path, and
// otherwise drives a full agent run to its terminal state. The returned
// text has already been delivered to the user's thread.
func (p *Pipeline) HandleUserMessage(ctx context.Context, userID, threadID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty message")
	}
	sess, ok := p.devices.ForUser(userID)
	if !ok {
		return "", fmt.Errorf("no agent device for user %s: %w", userID, bridge.ErrDeviceNotConnected)
	}

	if route := p.router.Route(ctx, sess.Bridge, text); route != nil {
		switch route.Kind {
		case agents.RouteSignal:
			ack := fmt.Sprintf("Noted. I passed that along to the task %q.", clip(route.TaskDescription, 80))
			p.reply(sess, threadID, route.AgentID, ack)
			return ack, nil
		case agents.RouteContinuation:
			// The prior workspace is being built upon; keep it around.
			p.cleanup.Forget(route.AgentID)
			return p.runTask(ctx, sess, &runRequest{
				userID:      userID,
				threadID:    threadID,
				text:        text,
				priorOutput: route.PriorOutput,
				priorTask:   route.TaskDescription,
			})
		}
	}

	if short, reply := p.classify(ctx, text); short {
		p.reply(sess, threadID, "", reply)
		return reply, nil
	}

	return p.runTask(ctx, sess, &runRequest{userID: userID, threadID: threadID, text: text})
}

// runTask drives a substantive request through intake, planning, and
// execution.
func (p *Pipeline) runTask(ctx context.Context, sess *devices.Session, req *runRequest) (string, error) {
	jnl := journal.New()
	jnl.Record("pipeline", "accepted", "user_id", req.userID)

	ts, err := p.loadToolset(ctx, sess)
	if err != nil {
		return p.intakeFailure(sess, req, jnl, err)
	}
	in, err := p.runIntake(ctx, sess, ts, jnl, req, true)
	if err != nil {
		return p.intakeFailure(sess, req, jnl, err)
	}

	ws := workspace.NewManager(sess.Bridge, in.agentID, p.logger)
	outcome, err := p.runPlanner(ctx, sess, ws, jnl, req, in)
	if err != nil {
		return p.intakeFailure(sess, req, jnl, err)
	}

	// Register before the executor writes status=running.
	handle := p.agents.Register(in.agentID)
	return p.execute(ctx, &run{
		sess:    sess,
		handle:  handle,
		ws:      ws,
		ts:      ts,
		persona: outcome.persona,
		plan:    outcome.plan,
		jnl:     jnl,
		req:     req,
	})
}

// Resume re-enters the pipeline for an interrupted agent: fresh intake with
// the joined restated requests, a continue decision from the planner, then
// execution of the remaining steps. Satisfies agents.ResumeFunc.
func (p *Pipeline) Resume(ctx context.Context, userID, agentID string, restated []string) error {
	sess, ok := p.devices.ForUser(userID)
	if !ok {
		return bridge.ErrDeviceNotConnected
	}
	req := &runRequest{
		userID:   userID,
		agentID:  agentID,
		text:     strings.Join(restated, "\n"),
		restated: restated,
	}
	jnl := journal.New()
	jnl.Record("pipeline", "resuming", "agent_id", agentID)

	ts, err := p.loadToolset(ctx, sess)
	if err != nil {
		return err
	}
	in, err := p.runIntake(ctx, sess, ts, jnl, req, false)
	if err != nil {
		return err
	}
	ws := workspace.NewManager(sess.Bridge, agentID, p.logger)
	outcome, err := p.runPlanner(ctx, sess, ws, jnl, req, in)
	if err != nil {
		return err
	}

	handle, ok := p.agents.Get(agentID)
	if !ok {
		// Direct callers outside the recovery coordinator.
		handle = p.agents.Register(agentID)
	}
	_, err = p.execute(ctx, &run{
		sess:    sess,
		handle:  handle,
		ws:      ws,
		ts:      ts,
		persona: outcome.persona,
		plan:    outcome.plan,
		jnl:     jnl,
		req:     req,
		resumed: true,
	})
	return err
}

// intakeFailure reports a run that died before any agent existed. There is
// no workspace to mark; the user gets the journal's failure report.
func (p *Pipeline) intakeFailure(sess *devices.Session, req *runRequest, jnl *journal.Journal, cause error) (string, error) {
	jnl.RecordError("pipeline", "intake_failed", cause)
	kind := "tool_failure"
	if agent.IsInfrastructureDown(cause) {
		kind = "infrastructure_down"
	} else if lk := llm.Classify(cause); lk != llm.ErrKindOther {
		kind = string(lk)
	}
	report := jnl.FailureReport(kind, "gathered what context was reachable, then stopped before starting an agent")
	p.reply(sess, req.threadID, "", report)
	p.logger.Error("pipeline intake failed", "user_id", req.userID, "error", cause)
	return report, nil
}

// reply mirrors an assistant message into the user's thread on the client.
func (p *Pipeline) reply(sess *devices.Session, threadID, agentID, content string) {
	sess.Bridge.NotifySaveToThread(models.SaveToThreadPayload{
		ThreadID: threadID,
		Role:     models.RoleAssistant,
		Content:  content,
		AgentID:  agentID,
		SavedAt:  time.Now().UTC(),
	})
}

// workVerbs mark a message as a task for the heuristic classifier.
var workVerbs = regexp.MustCompile(`(?i)\b(create|write|make|build|find|search|look up|fix|update|delete|remove|rename|send|email|book|buy|order|research|summari[sz]e|install|run|deploy|schedule|analy[sz]e|compare|convert|download|upload|organi[sz]e|plan|draft|review|translate|generate)\b`)

// greetings the heuristic answers without any model at all.
var greetingPattern = regexp.MustCompile(`(?i)^(hi|hiya|hey|hello|yo|thanks|thank you|thx|ok|okay|cool|nice|good (morning|afternoon|evening|night))\b[.!?\s]*$`)

// classify decides short-path vs substantive. The nano tier makes the call
// when configured; otherwise a word-count-plus-verb heuristic does. Returns
// the short reply alongside the verdict.
func (p *Pipeline) classify(ctx context.Context, text string) (bool, string) {
	if greetingPattern.MatchString(text) {
		return true, "Hi! Anything I can help with?"
	}

	client, model, err := p.tiers.Tier(llm.TierNano)
	if err != nil {
		return p.classifyHeuristic(text)
	}
	resp, err := client.Chat(ctx, &llm.ChatRequest{
		Model: model,
		System: "Decide whether the user message is small talk or a task for a personal " +
			"assistant. Small talk: reply exactly SHORT: followed by a brief friendly answer. " +
			"A task, a question needing work, or anything you are unsure about: reply exactly TASK.",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: text}},
	})
	if err != nil {
		p.logger.Debug("classifier tier unavailable, using heuristic", "error", err)
		return p.classifyHeuristic(text)
	}

	content := strings.TrimSpace(resp.Content)
	if rest, ok := strings.CutPrefix(content, "SHORT:"); ok {
		reply := strings.TrimSpace(rest)
		if reply == "" {
			reply = "Hi! Anything I can help with?"
		}
		return true, reply
	}
	return false, ""
}

// classifyHeuristic is the fallback: short messages without a verb of work
// take the short path with a canned reply.
func (p *Pipeline) classifyHeuristic(text string) (bool, string) {
	max := p.cfg.Pipeline.ShortPathMaxWords
	if max <= 0 {
		max = 12
	}
	if len(strings.Fields(text)) <= max && !workVerbs.MatchString(text) {
		return true, "Hi! Anything I can help with?"
	}
	return false, ""
}
