package agent

import (
	"context"
	"sync"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// Handler executes one tool call. Errors become textual tool results so the
// model can react; only infrastructure loss stops the loop.
type Handler func(ctx *CallContext, args map[string]any) (*HandlerResult, error)

// HandlerMap binds sanitized tool names to handlers.
type HandlerMap map[string]Handler

// HandlerResult is what a handler hands back to the loop.
type HandlerResult struct {
	// Content is the textual tool result appended to the conversation.
	Content string

	// Images are base64 payloads attached alongside the content.
	Images []string

	// BreakBatch stops execution of the remaining calls in the current
	// assistant batch; they are answered with skip placeholders.
	BreakBatch bool
}

// CallContext is the per-run state shared between the loop, its handlers,
// and whoever supervises the run from outside. The supervisor steers a live
// run by queueing injections; the loop drains them into the conversation at
// the top of each iteration.
type CallContext struct {
	// Ctx carries cancellation for the whole run. Handlers pass it to
	// blocking operations.
	Ctx context.Context

	// AgentID identifies the agent this run belongs to, when it has one.
	AgentID string

	// PersonaID selects persona-specific loop behavior.
	PersonaID string

	// UserID is the owner of the conversation.
	UserID string

	mu               sync.Mutex
	injections       []string
	toolCallsMade    []models.ToolCallRecord
	escalated        bool
	escalationReason string
}

// NewCallContext builds a run context. ctx must be non-nil.
func NewCallContext(ctx context.Context, agentID, personaID, userID string) *CallContext {
	return &CallContext{
		Ctx:       ctx,
		AgentID:   agentID,
		PersonaID: personaID,
		UserID:    userID,
	}
}

// Inject queues text to be delivered to the model as a user update at the
// start of the next iteration. Safe to call from other goroutines while the
// run is live.
func (c *CallContext) Inject(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	c.injections = append(c.injections, text)
	c.mu.Unlock()
}

// drainInjections returns and clears the queued injections.
func (c *CallContext) drainInjections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.injections) == 0 {
		return nil
	}
	out := c.injections
	c.injections = nil
	return out
}

// Escalate flags the run for hand-off to a more capable handler. The first
// reason wins; later calls are ignored.
func (c *CallContext) Escalate(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.escalated {
		return
	}
	c.escalated = true
	c.escalationReason = reason
}

func (c *CallContext) escalation() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.escalated, c.escalationReason
}

func (c *CallContext) recordCall(rec models.ToolCallRecord) {
	c.mu.Lock()
	c.toolCallsMade = append(c.toolCallsMade, rec)
	c.mu.Unlock()
}

// ToolCallsMade returns a copy of every tool call recorded so far.
func (c *CallContext) ToolCallsMade() []models.ToolCallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ToolCallRecord, len(c.toolCallsMade))
	copy(out, c.toolCallsMade)
	return out
}
