package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Condenser performs the sleep-cycle LLM work clients cannot do offline.
// The client decides what to condense and where the output goes; the server
// only lends model access.
type Condenser interface {
	Condense(ctx context.Context, req models.CondensePayload) (models.CondenseResult, error)
	ResolveLoop(ctx context.Context, req models.ResolveLoopPayload) (models.ResolveLoopResult, error)
}

// LLMCondenser answers condense and resolve-loop requests with one nano-tier
// call each, escalating to workhorse only when nano is not configured.
type LLMCondenser struct {
	tiers  agent.TierRouter
	logger *slog.Logger
}

// NewLLMCondenser builds the default condenser.
func NewLLMCondenser(tiers agent.TierRouter, logger *slog.Logger) *LLMCondenser {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMCondenser{
		tiers:  tiers,
		logger: logger.With("component", "condenser"),
	}
}

func (c *LLMCondenser) client() (llm.Client, string, error) {
	client, model, err := c.tiers.Tier(llm.TierNano)
	if err != nil {
		client, model, err = c.tiers.Tier(llm.TierWorkhorse)
	}
	if err != nil {
		return nil, "", fmt.Errorf("no condenser tier: %w", err)
	}
	return client, model, nil
}

// Condense reduces a conversation span to durable memory notes.
func (c *LLMCondenser) Condense(ctx context.Context, req models.CondensePayload) (models.CondenseResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return models.CondenseResult{}, fmt.Errorf("nothing to condense")
	}
	client, model, err := c.client()
	if err != nil {
		return models.CondenseResult{}, err
	}

	prompt := req.Content
	if req.Hint != "" {
		prompt += "\n\nCondensing instruction: " + req.Hint
	}
	res, err := client.Chat(ctx, &llm.ChatRequest{
		Model: model,
		System: "Condense the conversation below into durable memory notes: facts about the " +
			"user, decisions made, and open commitments. Drop pleasantries. Reply with the " +
			"notes only.",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: prompt}},
	})
	if err != nil {
		return models.CondenseResult{}, fmt.Errorf("condense call: %w", err)
	}
	c.logger.Debug("condensed thread", "thread_id", req.ThreadID, "input_bytes", len(req.Content))
	return models.CondenseResult{Summary: strings.TrimSpace(res.Content)}, nil
}

// ResolveLoop breaks a cycle of memory entries that reference each other by
// producing one replacement entry.
func (c *LLMCondenser) ResolveLoop(ctx context.Context, req models.ResolveLoopPayload) (models.ResolveLoopResult, error) {
	if len(req.Entries) == 0 {
		return models.ResolveLoopResult{}, fmt.Errorf("no entries to resolve")
	}
	client, model, err := c.client()
	if err != nil {
		return models.ResolveLoopResult{}, err
	}

	var b strings.Builder
	b.WriteString("These memory entries reference each other in a loop:\n")
	for i, entry := range req.Entries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, entry)
	}
	if req.Context != "" {
		b.WriteString("\nContext: " + req.Context)
	}
	res, err := client.Chat(ctx, &llm.ChatRequest{
		Model: model,
		System: "Merge the looping memory entries into one self-contained entry that keeps " +
			"every distinct fact and drops the circular references. Reply with the entry only.",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: b.String()}},
	})
	if err != nil {
		return models.ResolveLoopResult{}, fmt.Errorf("resolve loop call: %w", err)
	}
	return models.ResolveLoopResult{Resolution: strings.TrimSpace(res.Content)}, nil
}
