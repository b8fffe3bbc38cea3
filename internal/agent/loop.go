// Package agent implements the tool loop: the generic iteration that drives
// one LLM conversation to completion through tool calls. The loop owns the
// conversation transcript, executes handlers, watches for stuck runs, and
// escalates model tiers when progress stalls. It knows nothing about the
// pipeline above it or the device bridge below it; both arrive as handlers
// and hooks.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Hooks are the loop's optional extension points. Any field may be nil.
type Hooks struct {
	// OnLLMResponse observes every completion, including the synthesis pass.
	OnLLMResponse func(resp *llm.ChatResponse)

	// OnToolCall observes every executed tool call.
	OnToolCall func(rec models.ToolCallRecord)

	// OnIteration fires once per iteration after the LLM responded.
	OnIteration func(iteration, toolCalls int)

	// OnModelEscalate may swap the client and model for the given iteration.
	// Returning ok=false keeps the current pair. EscalationLadder builds the
	// standard implementation.
	OnModelEscalate func(iteration int) (llm.Client, string, bool)

	// AbortSignal stops the run before the next LLM call when it closes.
	AbortSignal <-chan struct{}

	// OnRequestTools grants additional tools by category. Used by the
	// agent.request_tools and agent.escalate synthetics.
	OnRequestTools func(ctx context.Context, categories []string) ([]models.ToolDefinition, HandlerMap, error)

	// OnRequestResearch delegates a research question.
	OnRequestResearch func(ctx context.Context, query, depth, format string) (string, error)

	// OnWaitForUser blocks until the user replies or the timeout passes.
	OnWaitForUser func(ctx context.Context, reason, hint string, timeout time.Duration) (string, error)
}

// RunOptions describe one loop run.
type RunOptions struct {
	Client      llm.Client
	Model       string
	System      string
	Messages    []models.ChatMessage
	Tools       []models.ToolDefinition
	Handlers    HandlerMap
	MaxTokens   int
	Temperature float32

	// MaxIterations overrides the configured limit when positive.
	MaxIterations int

	// StopTool, when called by the model, ends the run with its arguments
	// captured. Accepts the dotted or sanitized form.
	StopTool string

	// PersonaID selects persona-specific behavior, e.g. the verification
	// rule for Dot.
	PersonaID string

	// SkillHint names a matched skill's first action. The model is nudged
	// toward it if it tries to finish without calling any tool.
	SkillHint string

	// Call carries shared run state. When nil, the loop creates one.
	Call *CallContext

	Hooks Hooks
}

// Result is the outcome of one run.
type Result struct {
	FinalContent       string
	Completed          bool
	Aborted            bool
	StoppedByTool      bool
	StopToolArgs       map[string]any
	Escalated          bool
	EscalationReason   string
	InfrastructureDown bool
	Iterations         int
	ToolCallsMade      []models.ToolCallRecord
	Messages           []models.ChatMessage
	Usage              models.Usage
}

// Loop runs LLM conversations to completion. One Loop serves many concurrent
// runs; all mutable state lives in the per-run structures.
type Loop struct {
	cfg     config.LoopConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a loop with the given limits.
func New(cfg config.LoopConfig, logger *slog.Logger, metrics *observability.Metrics) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:     cfg,
		logger:  logger.With("component", "agent_loop"),
		metrics: metrics,
	}
}

// runState is the mutable state of a single run. Only the loop goroutine
// touches it; cross-goroutine state lives on the CallContext.
type runState struct {
	client   llm.Client
	model    string
	messages []models.ChatMessage
	tools    []models.ToolDefinition
	handlers HandlerMap
	call     *CallContext
	stuck    *stuckDetector

	dotNeedsVerification bool
	dotNudgeSpent        bool
	skillNudged          bool
}

// addTools merges newly granted tools into the active set and returns the
// dotted ids that were actually new.
func (rs *runState) addTools(defs []models.ToolDefinition, handlers HandlerMap) []string {
	var added []string
	for _, def := range defs {
		if def.Name == "" {
			def.Name = models.SanitizeToolName(def.ID)
		}
		if _, exists := rs.handlers[def.Name]; exists {
			continue
		}
		h, ok := handlers[def.Name]
		if !ok {
			continue
		}
		rs.tools = append(rs.tools, def)
		rs.handlers[def.Name] = h
		added = append(added, def.ID)
	}
	return added
}

// Run drives the conversation until an exit condition hits. A non-nil error
// means the run infrastructure itself broke (provider failure, bad options);
// every model-visible outcome, including escalation and abort, comes back as
// a Result.
func (l *Loop) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if opts.Client == nil {
		return nil, ErrNoClient
	}
	if opts.Model == "" {
		return nil, ErrNoModel
	}

	call := opts.Call
	if call == nil {
		call = NewCallContext(ctx, "", opts.PersonaID, "")
	}
	if call.Ctx == nil {
		call.Ctx = ctx
	}

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = l.cfg.MaxIterations
	}
	if maxIter <= 0 {
		maxIter = 24
	}

	rs := &runState{
		client:   opts.Client,
		model:    opts.Model,
		messages: append([]models.ChatMessage(nil), opts.Messages...),
		tools:    append([]models.ToolDefinition(nil), opts.Tools...),
		handlers: make(HandlerMap, len(opts.Handlers)+len(syntheticDefs)),
		call:     call,
		stuck:    newStuckDetector(l.cfg.StuckWindow, l.cfg.MaxWarnings),
	}
	for name, h := range opts.Handlers {
		rs.handlers[name] = h
	}
	l.installSynthetics(rs, opts.Hooks)

	stopTool := ""
	if opts.StopTool != "" {
		stopTool = models.SanitizeToolName(opts.StopTool)
	}

	logger := l.logger.With("persona", opts.PersonaID)
	if call.AgentID != "" {
		logger = logger.With("agent_id", call.AgentID)
	}

	result := &Result{}
	defer func() {
		result.ToolCallsMade = call.ToolCallsMade()
		result.Messages = rs.messages
	}()

	for iter := 1; iter <= maxIter; iter++ {
		result.Iterations = iter

		if updates := call.drainInjections(); len(updates) > 0 {
			clearReasoning(rs.messages)
			rs.messages = append(rs.messages, models.ChatMessage{
				Role:    models.RoleUser,
				Content: "USER UPDATE: " + strings.Join(updates, "\n\nUSER UPDATE: "),
			})
			logger.Debug("injected user updates", "count", len(updates), "iteration", iter)
		}

		if opts.Hooks.OnModelEscalate != nil {
			if client, model, ok := opts.Hooks.OnModelEscalate(iter); ok && client != nil && model != "" {
				if model != rs.model {
					logger.Info("model escalated", "iteration", iter, "from", rs.model, "to", model)
				}
				rs.client, rs.model = client, model
			}
		}

		if aborted(ctx, opts.Hooks.AbortSignal) {
			logger.Info("run aborted", "iteration", iter)
			result.Aborted = true
			return result, nil
		}

		rs.messages = sanitizeMessages(rs.messages)

		resp, err := rs.client.Chat(ctx, &llm.ChatRequest{
			Model:       rs.model,
			System:      opts.System,
			Messages:    rs.messages,
			Tools:       rs.tools,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		})
		l.countLLM(rs.client.Name(), rs.model, err)
		if err != nil {
			if aborted(ctx, opts.Hooks.AbortSignal) {
				result.Aborted = true
				return result, nil
			}
			return nil, fmt.Errorf("llm call on iteration %d: %w", iter, err)
		}
		result.Usage.Add(resp.Usage)
		l.countTokens(rs.client.Name(), rs.model, resp.Usage)
		if l.metrics != nil {
			l.metrics.LoopIterations.WithLabelValues(opts.PersonaID).Inc()
		}
		if opts.Hooks.OnLLMResponse != nil {
			opts.Hooks.OnLLMResponse(resp)
		}
		if opts.Hooks.OnIteration != nil {
			opts.Hooks.OnIteration(iter, len(resp.ToolCalls))
		}

		rs.messages = append(rs.messages, models.ChatMessage{
			Role:             models.RoleAssistant,
			Content:          resp.Content,
			ReasoningContent: resp.ReasoningContent,
			ToolCalls:        resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			nudge := l.noToolNudge(rs, &opts, resp.Content)
			if nudge == "" {
				result.FinalContent = resp.Content
				result.Completed = true
				return result, nil
			}
			logger.Debug("nudged model", "iteration", iter)
			rs.messages = append(rs.messages, models.ChatMessage{Role: models.RoleUser, Content: nudge})
			continue
		}

		outcome := l.executeBatch(rs, &opts, resp.ToolCalls, iter, stopTool, logger)

		if outcome.infrastructureDown {
			logger.Warn("device channel lost mid-run", "iteration", iter)
			result.InfrastructureDown = true
			result.FinalContent = infrastructureDownMessage
			return result, nil
		}
		if escalated, reason := call.escalation(); escalated {
			result.Escalated = true
			result.EscalationReason = reason
			result.FinalContent = resp.Content
			if result.FinalContent == "" {
				result.FinalContent = "I've escalated this task: " + reason
			}
			return result, nil
		}
		if outcome.stopped {
			result.StoppedByTool = true
			result.StopToolArgs = outcome.stopArgs
			result.FinalContent = resp.Content
			result.Completed = true
			return result, nil
		}
		if rs.stuck.exhausted() {
			reason := rs.stuck.reason()
			logger.Warn("force-escalating stuck run", "iteration", iter, "reason", reason)
			result.Escalated = true
			result.EscalationReason = "stuck: " + reason
			result.FinalContent = stuckSummary(call, reason)
			return result, nil
		}
	}

	// Iteration budget spent without a natural finish. One tool-less pass
	// turns the transcript into a summary the user can act on.
	logger.Info("max iterations reached, synthesizing summary", "iterations", maxIter)
	result.FinalContent = l.synthesize(ctx, rs, &opts, result)
	return result, nil
}

// batchOutcome reports what happened while executing one assistant batch.
type batchOutcome struct {
	stopped            bool
	stopArgs           map[string]any
	infrastructureDown bool
}

func (l *Loop) executeBatch(rs *runState, opts *RunOptions, calls []models.ToolCall, iter int, stopTool string, logger *slog.Logger) batchOutcome {
	var outcome batchOutcome
	var warnings []string
	broken := false

	for _, tc := range calls {
		if broken {
			rs.messages = append(rs.messages, models.ChatMessage{
				Role:       models.RoleTool,
				Content:    "Skipped: batch interrupted.",
				ToolCallID: tc.ID,
			})
			continue
		}

		args, argErr := tc.Args()
		handler, known := rs.handlers[tc.Name]

		var content string
		var images []string
		var breakBatch bool
		success := false

		switch {
		case !known:
			content = "Unknown tool: " + tc.Name
		case argErr != nil:
			content = "Error: invalid tool arguments: " + argErr.Error()
		default:
			res, err := handler(rs.call, args)
			if err != nil {
				if IsInfrastructureDown(err) {
					rs.messages = append(rs.messages, models.ChatMessage{
						Role:       models.RoleTool,
						Content:    "Error: " + err.Error(),
						ToolCallID: tc.ID,
					})
					outcome.infrastructureDown = true
					return outcome
				}
				content = "Error: " + err.Error()
			} else {
				success = true
				if res != nil {
					content = res.Content
					images = res.Images
					breakBatch = res.BreakBatch
				}
				if content == "" {
					content = "(no output)"
				}
			}
		}
		if len(images) > 0 {
			content += fmt.Sprintf("\n[%d image(s) attached]", len(images))
		}

		toolID := models.UnsanitizeToolName(tc.Name)
		rec := models.ToolCallRecord{
			ToolID:    toolID,
			Args:      args,
			Result:    content,
			Success:   success,
			Iteration: iter,
			At:        time.Now().UTC(),
		}
		rs.call.recordCall(rec)
		if opts.Hooks.OnToolCall != nil {
			opts.Hooks.OnToolCall(rec)
		}
		if l.metrics != nil {
			status := "success"
			if !success {
				status = "error"
			}
			l.metrics.ToolCalls.WithLabelValues(toolID, status).Inc()
		}
		logger.Debug("tool executed", "tool", toolID, "success", success, "iteration", iter)

		rs.messages = append(rs.messages, models.ChatMessage{
			Role:       models.RoleTool,
			Content:    content,
			ToolCallID: tc.ID,
		})

		if warning := rs.stuck.observe(toolID, args, success); warning != "" {
			warnings = append(warnings, warning)
		}

		if success && !strings.HasPrefix(tc.Name, "agent__") {
			verb := models.ToolVerb(toolID)
			switch {
			case mutatingVerbs[verb]:
				rs.dotNeedsVerification = true
				rs.dotNudgeSpent = false
			case verificationVerbs[verb]:
				rs.dotNeedsVerification = false
			}
		}

		if stopTool != "" && tc.Name == stopTool {
			outcome.stopped = true
			outcome.stopArgs = args
			broken = true
		}
		if breakBatch {
			broken = true
		}
	}

	for _, warning := range warnings {
		rs.messages = append(rs.messages, models.ChatMessage{Role: models.RoleUser, Content: warning})
	}
	return outcome
}

// noToolNudge decides whether a text-only response may stand as the final
// answer. A non-empty return is injected as a user message and the loop
// continues.
func (l *Loop) noToolNudge(rs *runState, opts *RunOptions, text string) string {
	if names := fakeToolCalls(text, rs.handlers); len(names) > 0 {
		return "You wrote " + strings.Join(names, ", ") +
			" as plain text instead of calling the tool. Invoke tools through function calling; never type tool names into your reply."
	}
	if opts.PersonaID == models.PersonaDot && rs.dotNeedsVerification && !rs.dotNudgeSpent {
		rs.dotNudgeSpent = true
		return "Before finishing: you made a change but never verified it. " +
			"Use a read, list, get, or search tool to confirm the change took effect, then give your final answer."
	}
	if opts.SkillHint != "" && !rs.skillNudged && len(rs.call.ToolCallsMade()) == 0 {
		rs.skillNudged = true
		return "A skill matched this request. Start by executing its first action: " + opts.SkillHint
	}
	return ""
}

// synthesize is the last resort when the iteration budget runs out: one
// tool-less completion asking the model to summarize. If even that fails,
// the summary is built from the recorded tool calls.
func (l *Loop) synthesize(ctx context.Context, rs *runState, opts *RunOptions, result *Result) string {
	clearReasoning(rs.messages)
	rs.messages = sanitizeMessages(rs.messages)
	rs.messages = append(rs.messages, models.ChatMessage{
		Role: models.RoleUser,
		Content: "You have reached the step limit for this run. Do not call any more tools. " +
			"Summarize what you accomplished, what remains unfinished, and anything the user should know.",
	})

	resp, err := rs.client.Chat(ctx, &llm.ChatRequest{
		Model:       rs.model,
		System:      opts.System,
		Messages:    rs.messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	l.countLLM(rs.client.Name(), rs.model, err)
	if err != nil {
		l.logger.Warn("synthesis pass failed", "error", err)
		return stuckSummary(rs.call, "ran out of steps before finishing")
	}
	result.Usage.Add(resp.Usage)
	l.countTokens(rs.client.Name(), rs.model, resp.Usage)
	if opts.Hooks.OnLLMResponse != nil {
		opts.Hooks.OnLLMResponse(resp)
	}
	if resp.Content == "" {
		return stuckSummary(rs.call, "ran out of steps before finishing")
	}
	return resp.Content
}

func (l *Loop) countLLM(provider, model string, err error) {
	if l.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	l.metrics.LLMRequests.WithLabelValues(provider, model, status).Inc()
}

func (l *Loop) countTokens(provider, model string, usage models.Usage) {
	if l.metrics == nil {
		return
	}
	l.metrics.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
	l.metrics.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
}

func aborted(ctx context.Context, signal <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	if signal == nil {
		return false
	}
	select {
	case <-signal:
		return true
	default:
		return false
	}
}

// stuckSummary builds a deterministic final response for runs that ended
// without a model-written answer.
func stuckSummary(call *CallContext, reason string) string {
	var b strings.Builder
	b.WriteString("I wasn't able to finish this: " + reason + ".\n")

	records := call.ToolCallsMade()
	if len(records) > 0 {
		b.WriteString("\nWhat I tried:\n")
		start := 0
		if len(records) > 6 {
			start = len(records) - 6
		}
		for _, rec := range records[start:] {
			status := "ok"
			if !rec.Success {
				status = "failed"
			}
			fmt.Fprintf(&b, "  - %s (%s)\n", rec.ToolID, status)
		}
	}
	b.WriteString("\nThis needs a different approach or a more capable handler.")
	return b.String()
}

// fakeCallPattern matches tool-name syntax typed as prose, e.g. a model
// writing "files__read" into its answer instead of calling the tool.
var fakeCallPattern = regexp.MustCompile(`\b[a-z][a-z0-9]*__[a-z][a-z0-9_]*\b`)

// fakeToolCalls returns the known tool names mentioned as text, sorted and
// deduplicated.
func fakeToolCalls(text string, handlers HandlerMap) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	for _, match := range fakeCallPattern.FindAllString(text, -1) {
		if _, known := handlers[match]; known {
			seen[match] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// mutatingVerbs are the operation suffixes that change state on a device.
// After one succeeds, Dot must verify before finishing.
var mutatingVerbs = map[string]bool{
	"create": true, "write": true, "delete": true, "move": true,
	"update": true, "send": true, "set": true, "append": true,
	"remove": true, "rename": true, "copy": true, "install": true,
	"start": true, "stop": true, "kill": true, "run": true, "execute": true,
}

// verificationVerbs are the read-only suffixes that satisfy the rule.
var verificationVerbs = map[string]bool{
	"read": true, "list": true, "get": true, "search": true,
	"stat": true, "status": true, "check": true, "exists": true,
	"show": true, "view": true,
}

// TierRouter resolves model tiers to bound clients. *llm.Router implements
// it; tests substitute fakes.
type TierRouter interface {
	Tier(name string) (llm.Client, string, error)
	HasTier(name string) bool
}

// EscalationLadder builds the standard OnModelEscalate hook: the workhorse
// tier from workhorseAt, the architect tier from architectAt. Unconfigured
// tiers are skipped.
func EscalationLadder(router TierRouter, workhorseAt, architectAt int) func(int) (llm.Client, string, bool) {
	return func(iteration int) (llm.Client, string, bool) {
		tier := ""
		switch {
		case architectAt > 0 && iteration >= architectAt && router.HasTier(llm.TierArchitect):
			tier = llm.TierArchitect
		case workhorseAt > 0 && iteration >= workhorseAt && router.HasTier(llm.TierWorkhorse):
			tier = llm.TierWorkhorse
		}
		if tier == "" {
			return nil, "", false
		}
		client, model, err := router.Tier(tier)
		if err != nil {
			return nil, "", false
		}
		return client, model, true
	}
}
