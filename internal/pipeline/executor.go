package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/agents"
	"github.com/druidia-bot/dotbot/internal/devices"
	"github.com/druidia-bot/dotbot/internal/journal"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// stepSeparator joins step outputs when no single output is substantial
// enough to stand alone as the final answer.
const stepSeparator = "\n\n---\n\n"

// run bundles everything one executing agent needs.
type run struct {
	sess    *devices.Session
	handle  *agents.Handle
	ws      *workspace.Manager
	ts      *deviceToolset
	persona *models.AgentPersona
	plan    *models.Plan
	jnl     *journal.Journal
	req     *runRequest
	resumed bool
}

// execute drives the plan's remaining steps to a terminal state and returns
// the user-facing final answer. The caller must have registered the agent
// handle already; execute owns the status writes from here on.
func (p *Pipeline) execute(ctx context.Context, r *run) (string, error) {
	agentID := r.persona.AgentID
	defer p.agents.Unregister(agentID)

	// Registration happened before this write; the scanner never sees a
	// running persona without a live handle.
	r.persona.Status = models.StatusRunning
	r.persona.UpdatedAt = time.Now().UTC()
	if err := r.ws.SavePersona(ctx, r.persona); err != nil {
		return "", fmt.Errorf("persist persona: %w", err)
	}
	if err := r.ws.SavePlan(ctx, r.plan); err != nil {
		return "", fmt.Errorf("persist plan: %w", err)
	}

	event := models.LifecycleStarted
	if r.resumed {
		event = models.LifecycleResumed
	}
	r.sess.Bridge.NotifyAgentLifecycle(models.LifecyclePayload{
		AgentID: agentID, Event: event, At: time.Now().UTC(),
	})
	r.jnl.Record("executor", event, "agent_id", agentID, "steps", len(r.plan.Steps))

	var outputs []string
	succeeded := 0
	for {
		remaining := r.plan.RemainingSteps()
		if len(remaining) == 0 {
			break
		}
		step := remaining[0]

		if r.handle.Aborted() {
			return p.finishStopped(ctx, r, outputs)
		}

		res, err := p.runStep(ctx, r, step, outputs)
		if err != nil {
			if agent.IsInfrastructureDown(err) {
				return p.finishInfrastructureDown(r, err)
			}
			return p.finishFailed(ctx, r, err)
		}
		if res.InfrastructureDown {
			return p.finishInfrastructureDown(r, nil)
		}
		if res.Aborted {
			return p.finishStopped(ctx, r, outputs)
		}

		output := p.persistStep(ctx, r, step, res)
		outputs = append(outputs, output)
		if !res.Escalated {
			succeeded++
		}

		signals := r.handle.DrainSignals()
		if len(signals) > 0 {
			r.jnl.Record("executor", "signals_drained", "count", len(signals))
			r.ws.MutatePersona(ctx, func(ap *models.AgentPersona) {
				ap.RestatedRequests = append(ap.RestatedRequests, signals...)
			})
			r.persona.RestatedRequests = append(r.persona.RestatedRequests, signals...)
		}

		if !r.plan.IsSimpleTask && len(r.plan.RemainingSteps()) > 0 {
			if err := p.replan(ctx, r, step, output, signals); err != nil {
				// Never fatal; the drained signals go back so the next
				// boundary can retry them.
				r.jnl.RecordError("executor", "replan_failed", err)
				r.handle.Requeue(signals)
			}
		}
	}

	return p.finishCompleted(ctx, r, outputs, succeeded)
}

// runStep runs the tool loop for one step.
func (p *Pipeline) runStep(ctx context.Context, r *run, step models.Step, priorOutputs []string) (*agent.Result, error) {
	agentID := r.persona.AgentID

	r.plan.Progress.CurrentStepID = step.ID
	if err := r.ws.SavePlan(ctx, r.plan); err != nil {
		return nil, err
	}

	files, err := r.ws.ListFiles(ctx)
	if err != nil {
		p.logger.Debug("workspace listing unavailable for briefing",
			"agent_id", agentID, "error", err)
	}

	client, model, err := p.tiers.Tier(r.persona.ModelTier)
	if err != nil {
		client, model, err = p.tiers.Tier(llm.TierWorkhorse)
		if err != nil {
			return nil, fmt.Errorf("no executor tier: %w", err)
		}
	}

	defs, handlers := r.ts.scoped(r.persona.AllowedTools)
	call := agent.NewCallContext(ctx, agentID, r.persona.PersonaID, r.req.userID)

	res, err := p.loop.Run(ctx, agent.RunOptions{
		Client:      client,
		Model:       model,
		System:      p.stepSystem(r, step, files, priorOutputs),
		Messages:    []models.ChatMessage{{Role: models.RoleUser, Content: stepInstruction(step)}},
		Tools:       defs,
		Handlers:    handlers,
		Temperature: r.persona.Temperature,
		PersonaID:   r.persona.PersonaID,
		Call:        call,
		Hooks: agent.Hooks{
			AbortSignal:       r.handle.AbortSignal(),
			OnModelEscalate:   agent.EscalationLadder(p.tiers, p.cfg.Loop.EscalateWorkhorseAt, p.cfg.Loop.EscalateArchitectAt),
			OnRequestTools:    p.requestToolsHook(r.ts),
			OnRequestResearch: p.researchHook(r.ts, agentID, r.req.userID),
			OnWaitForUser:     p.waitForUserHook(r.sess, r.handle),
			OnIteration: func(iteration, toolCalls int) {
				r.sess.Bridge.NotifyRunLog(models.RunLogPayload{
					AgentID:   agentID,
					Iteration: iteration,
					Event:     "iteration",
					Detail:    map[string]any{"stepId": step.ID, "toolCalls": toolCalls},
					At:        time.Now().UTC(),
				})
			},
			OnToolCall: func(rec models.ToolCallRecord) {
				r.jnl.Record("executor", "tool_call",
					"step_id", step.ID, "tool", rec.ToolID, "success", rec.Success)
			},
			OnLLMResponse: func(resp *llm.ChatResponse) {
				r.jnl.Record("executor", "llm_response",
					"step_id", step.ID, "model", resp.Model,
					"input_tokens", resp.Usage.InputTokens,
					"output_tokens", resp.Usage.OutputTokens,
				)
			},
		},
	})
	if err != nil {
		return nil, err
	}
	for i := range res.ToolCallsMade {
		res.ToolCallsMade[i].StepID = step.ID
	}
	return res, nil
}

// persistStep writes everything one finished step leaves behind and emits
// the progress event. Persistence failures degrade to log entries: losing a
// trace file must not fail the run.
func (p *Pipeline) persistStep(ctx context.Context, r *run, step models.Step, res *agent.Result) string {
	agentID := r.persona.AgentID

	output := strings.TrimSpace(res.FinalContent)
	if output == "" {
		output = "(step produced no text output)"
	}
	// SaveStepOutput advances the on-disk plan; the in-memory copy must
	// follow or the loop would pick the same step again.
	r.plan.MarkStepDone(step.ID, time.Now().UTC())
	if err := r.ws.SaveStepOutput(ctx, step, output); err != nil {
		p.logger.Warn("step output not persisted", "agent_id", agentID, "step_id", step.ID, "error", err)
		// Keep progress moving even when the output file write failed.
		if err := r.ws.SavePlan(ctx, r.plan); err != nil {
			p.logger.Warn("plan progress not persisted", "agent_id", agentID, "error", err)
		}
	}
	if len(res.ToolCallsMade) > 0 {
		if err := r.ws.AppendToolCalls(ctx, res.ToolCallsMade); err != nil {
			p.logger.Debug("tool-call log append failed", "agent_id", agentID, "error", err)
		}
	}
	if err := r.ws.AppendExecutionLog(ctx, map[string]any{
		"stepId":     step.ID,
		"iterations": res.Iterations,
		"toolCalls":  len(res.ToolCallsMade),
		"escalated":  res.Escalated,
		"completed":  res.Completed,
		"at":         time.Now().UTC(),
	}); err != nil {
		p.logger.Debug("execution log append failed", "agent_id", agentID, "error", err)
	}
	if err := r.ws.SaveConversation(ctx, res.Messages); err != nil {
		p.logger.Debug("conversation snapshot failed", "agent_id", agentID, "error", err)
	}

	r.sess.Bridge.NotifyTaskProgress(models.TaskProgressPayload{
		AgentID:        agentID,
		CurrentStepID:  step.ID,
		CompletedSteps: len(r.plan.Progress.CompletedStepIDs),
		TotalSteps:     len(r.plan.Steps),
		Detail:         step.Title,
		At:             time.Now().UTC(),
	})
	r.jnl.Record("executor", "step_done",
		"step_id", step.ID,
		"iterations", res.Iterations,
		"escalated", res.Escalated,
	)
	return output
}

// replanDoc is the JSON contract of the between-steps replanner.
type replanDoc struct {
	KeepRemaining bool          `json:"keepRemaining"`
	Reason        string        `json:"reason"`
	Steps         []planDocStep `json:"steps"`
}

// replan lets the model adjust the remaining steps in the light of the step
// just finished and any user follow-ups.
func (p *Pipeline) replan(ctx context.Context, r *run, done models.Step, output string, signals []string) error {
	client, model, err := p.tiers.Tier(llm.TierWorkhorse)
	if err != nil {
		return err
	}

	remaining := r.plan.RemainingSteps()
	remainingJSON, err := json.Marshal(remaining)
	if err != nil {
		return err
	}
	files, _ := r.ws.ListFiles(ctx)

	var b strings.Builder
	fmt.Fprintf(&b, "Finished step %q with output:\n%s\n\nRemaining steps:\n%s\n",
		done.Title, clip(output, contextSectionLimit), remainingJSON)
	if len(files) > 0 {
		fmt.Fprintf(&b, "\nWorkspace files:\n%s\n", strings.Join(files, "\n"))
	}
	if len(signals) > 0 {
		fmt.Fprintf(&b, "\nThe user added while you worked:\n%s\n", strings.Join(signals, "\n"))
	}

	resp, err := client.Chat(ctx, &llm.ChatRequest{
		Model: model,
		System: "You review a plan between steps. Reply with a single JSON object, no prose: " +
			`{"keepRemaining": true} to leave the remaining steps unchanged, or ` +
			`{"keepRemaining": false, "reason": "...", "steps": [{"title": "...", "description": "...", ` +
			`"expectedOutput": "...", "toolHints": [], "requiresExternalData": bool}]} to replace them. ` +
			"Fold any user additions into the steps.",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: b.String()}},
	})
	if err != nil {
		return err
	}

	var doc replanDoc
	if uerr := json.Unmarshal([]byte(stripFences(resp.Content)), &doc); uerr != nil {
		return fmt.Errorf("replan output unparseable: %w", uerr)
	}
	if doc.KeepRemaining || len(doc.Steps) == 0 {
		return nil
	}

	// Completed steps stay; the remaining tail is replaced wholesale.
	kept := r.plan.Steps[:0]
	for _, s := range r.plan.Steps {
		if !contains(r.plan.Progress.RemainingStepIDs, s.ID) {
			kept = append(kept, s)
		}
	}
	r.plan.Steps = kept
	r.plan.Progress.RemainingStepIDs = nil
	base := len(kept)
	for i, ds := range doc.Steps {
		step := models.Step{
			ID:                   fmt.Sprintf("s%d", base+i+1),
			Title:                ds.Title,
			Description:          ds.Description,
			ExpectedOutput:       ds.ExpectedOutput,
			ToolHints:            ds.ToolHints,
			RequiresExternalData: ds.RequiresExternalData,
		}
		r.plan.Steps = append(r.plan.Steps, step)
		r.plan.Progress.RemainingStepIDs = append(r.plan.Progress.RemainingStepIDs, step.ID)
	}
	r.plan.UpdatedAt = time.Now().UTC()

	r.jnl.Record("executor", "replanned",
		"reason", doc.Reason,
		"new_steps", len(doc.Steps),
	)
	return r.ws.SavePlan(ctx, r.plan)
}

// stepSystem builds the per-step system prompt: persona, approach,
// workspace briefing, prior outputs, and outstanding user follow-ups.
func (p *Pipeline) stepSystem(r *run, step models.Step, files, priorOutputs []string) string {
	var b strings.Builder
	b.WriteString(r.persona.SystemPrompt)
	fmt.Fprintf(&b, "\n\nYou are executing one step of a plan. Overall approach: %s\n", r.plan.Approach)
	fmt.Fprintf(&b, "Workspace root: %s. Save research under research/, deliverables under output/.\n", r.ws.Root())

	if len(files) > 0 {
		fmt.Fprintf(&b, "\nWorkspace currently holds:\n%s\n", strings.Join(files, "\n"))
	}
	if n := len(priorOutputs); n > 0 {
		fmt.Fprintf(&b, "\nOutput of the previous step:\n%s\n", clip(priorOutputs[n-1], contextSectionLimit))
	}
	if n := len(r.persona.RestatedRequests); n > 1 {
		fmt.Fprintf(&b, "\nUser follow-ups so far:\n%s\n",
			strings.Join(r.persona.RestatedRequests[1:], "\n"))
	}
	if step.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\nThis step must produce: %s\n", step.ExpectedOutput)
	}
	if len(step.ToolHints) > 0 {
		fmt.Fprintf(&b, "Suggested tools: %s\n", strings.Join(step.ToolHints, ", "))
	}
	return b.String()
}

func stepInstruction(step models.Step) string {
	if step.Description == "" {
		return step.Title
	}
	return fmt.Sprintf("%s\n\n%s", step.Title, step.Description)
}

// finalAnswer applies the response rule: the last step's output stands
// alone when substantial, otherwise all outputs are joined.
func (p *Pipeline) finalAnswer(outputs []string) string {
	if len(outputs) == 0 {
		return "The task finished without producing any output."
	}
	last := outputs[len(outputs)-1]
	if len(last) > p.cfg.Pipeline.FinalAnswerMinChars {
		return last
	}
	return strings.Join(outputs, stepSeparator)
}

// finishCompleted closes out a plan whose steps all ran. success requires
// at least one step that finished without escalating.
func (p *Pipeline) finishCompleted(ctx context.Context, r *run, outputs []string, succeeded int) (string, error) {
	now := time.Now().UTC()
	final := p.finalAnswer(outputs)

	status := models.StatusCompleted
	event := models.LifecycleCompleted
	if succeeded == 0 {
		status = models.StatusFailed
		event = models.LifecycleFailed
		final = r.jnl.FailureReport("stuck", "every step escalated for help; none finished cleanly")
	}

	if status == models.StatusCompleted {
		r.plan.Progress.CompletedAt = &now
	} else {
		r.plan.Progress.FailedAt = &now
	}
	r.plan.Progress.CurrentStepID = ""
	r.plan.UpdatedAt = now
	if err := r.ws.SavePlan(ctx, r.plan); err != nil {
		p.logger.Warn("terminal plan write failed", "agent_id", r.persona.AgentID, "error", err)
	}
	r.ws.MutatePersona(ctx, func(ap *models.AgentPersona) {
		ap.Status = status
		ap.FinalOutput = final
	})

	r.sess.Bridge.NotifyAgentLifecycle(models.LifecyclePayload{
		AgentID: r.persona.AgentID, Event: event, At: now,
	})
	if status == models.StatusCompleted {
		p.cleanup.MarkCompleted(r.persona.AgentID, r.req.userID)
	} else {
		r.sess.Bridge.NotifyUser(models.NotificationPayload{
			Level:   "error",
			Title:   "Task did not finish",
			Message: clip(final, 1000),
		})
	}
	p.reply(r.sess, r.req.threadID, r.persona.AgentID, final)

	p.countRun(string(status))
	r.jnl.Record("executor", "terminal", "status", string(status), "steps_succeeded", succeeded)
	p.logger.Info("agent run finished",
		"agent_id", r.persona.AgentID,
		"status", status,
		"steps", len(r.plan.Steps),
		"elapsed", r.jnl.Elapsed(),
	)
	return final, nil
}

// finishStopped honors an abort: the plan is marked stopped and whatever
// output exists becomes the reply.
func (p *Pipeline) finishStopped(ctx context.Context, r *run, outputs []string) (string, error) {
	now := time.Now().UTC()
	r.plan.Progress.StoppedAt = &now
	r.plan.Progress.CurrentStepID = ""
	r.plan.UpdatedAt = now
	if err := r.ws.SavePlan(ctx, r.plan); err != nil {
		p.logger.Warn("stop-time plan write failed", "agent_id", r.persona.AgentID, "error", err)
	}

	final := "Stopped as requested."
	if len(outputs) > 0 {
		final += " Work so far:" + stepSeparator + strings.Join(outputs, stepSeparator)
	}
	r.ws.MutatePersona(ctx, func(ap *models.AgentPersona) {
		ap.Status = models.StatusStopped
		ap.FinalOutput = final
	})
	r.sess.Bridge.NotifyAgentLifecycle(models.LifecyclePayload{
		AgentID: r.persona.AgentID, Event: models.LifecycleStopped, At: now,
	})
	p.cleanup.MarkCompleted(r.persona.AgentID, r.req.userID)
	p.reply(r.sess, r.req.threadID, r.persona.AgentID, final)

	p.countRun("stopped")
	r.jnl.Record("executor", "terminal", "status", "stopped")
	return final, nil
}

// finishFailed closes out a run killed by a non-infrastructure error.
func (p *Pipeline) finishFailed(ctx context.Context, r *run, cause error) (string, error) {
	now := time.Now().UTC()
	r.jnl.RecordError("executor", "run_failed", cause)

	kind := llm.Classify(cause)
	report := r.jnl.FailureReport(string(kind), "the step was retried on a higher model tier before giving up")

	r.plan.Progress.FailedAt = &now
	r.plan.UpdatedAt = now
	if err := r.ws.SavePlan(ctx, r.plan); err != nil {
		p.logger.Warn("failure-time plan write failed", "agent_id", r.persona.AgentID, "error", err)
	}
	r.ws.MutatePersona(ctx, func(ap *models.AgentPersona) {
		ap.Status = models.StatusFailed
		ap.FinalOutput = report
	})
	r.sess.Bridge.NotifyAgentLifecycle(models.LifecyclePayload{
		AgentID: r.persona.AgentID, Event: models.LifecycleFailed,
		Reason: cause.Error(), At: now,
	})
	r.sess.Bridge.NotifyUser(models.NotificationPayload{
		Level:   "error",
		Title:   "Task failed",
		Message: clip(report, 1000),
	})
	p.reply(r.sess, r.req.threadID, r.persona.AgentID, report)

	p.countRun("failed")
	p.logger.Error("agent run failed",
		"agent_id", r.persona.AgentID,
		"error", cause,
		"kind", kind,
	)
	return report, nil
}

// finishInfrastructureDown ends the run without touching the persona: the
// status stays running on disk so the dead-agent scan finds and resumes the
// work when the device comes back. The user's surviving sessions are told
// the run was cut; the dead one cannot be reached anyway.
func (p *Pipeline) finishInfrastructureDown(r *run, cause error) (string, error) {
	r.jnl.Record("executor", "infrastructure_down",
		"agent_id", r.persona.AgentID,
		"error", fmt.Sprint(cause),
	)
	if frame, err := models.NewFrame(models.FrameAgentLifecycle, models.LifecyclePayload{
		AgentID: r.persona.AgentID,
		Event:   models.LifecycleInterrupted,
		Reason:  "device disconnected",
		At:      time.Now().UTC(),
	}); err == nil {
		p.devices.BroadcastToUser(r.req.userID, frame)
	}
	p.logger.Warn("device lost mid-run, leaving agent for recovery scan",
		"agent_id", r.persona.AgentID)
	p.countRun("interrupted")
	return "", ErrRunInterrupted
}

func (p *Pipeline) countRun(status string) {
	if p.metrics == nil {
		return
	}
	p.metrics.AgentRuns.WithLabelValues(status).Inc()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
