package agents

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// overlapThreshold is the minimum fraction of message tokens that must
// appear in an agent's topic text for a follow-up match.
const overlapThreshold = 0.5

// RouteKind says what the router decided about a user message.
type RouteKind int

const (
	// RouteSignal means the message was queued for a running agent.
	RouteSignal RouteKind = iota
	// RouteContinuation means the message follows up on a finished agent;
	// the caller starts a new run seeded with PriorOutput.
	RouteContinuation
)

// RouteResult describes a follow-up match. A nil result means the message is
// a fresh request.
type RouteResult struct {
	Kind            RouteKind
	AgentID         string
	TaskDescription string
	// PriorOutput is the finished agent's final answer, used to seed
	// continuation runs. Empty for signals.
	PriorOutput string
}

// Router matches new user messages against existing agent workspaces. A
// match on a running agent becomes an injected signal; a match on a
// completed agent becomes a continuation.
type Router struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRouter creates a follow-up router over the given registry.
func NewRouter(registry *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		logger:   logger.With("component", "followup_router"),
	}
}

// Route checks text against the workspaces on the device behind runner.
// Signal matches are pushed and persisted here; continuation matches are
// returned for the caller to act on. Listing or read failures degrade to a
// no-match so the message still gets handled as a fresh request.
func (r *Router) Route(ctx context.Context, runner workspace.Runner, text string) *RouteResult {
	msgTokens := tokenize(text)
	if len(msgTokens) == 0 {
		return nil
	}

	ids, err := workspace.ListAgents(ctx, runner)
	if err != nil {
		r.logger.Warn("workspace listing failed during routing", "error", err)
		return nil
	}

	var (
		best      *models.AgentPersona
		bestScore float64
	)
	for _, id := range ids {
		m := workspace.NewManager(runner, id, r.logger)
		persona, err := m.ReadPersona(ctx)
		if err != nil {
			continue
		}
		switch persona.Status {
		case models.StatusRunning:
			if !r.registry.IsRegistered(id) {
				continue
			}
		case models.StatusCompleted:
		default:
			continue
		}

		topic := persona.TaskDescription + " " + strings.Join(persona.RestatedRequests, " ")
		score := overlap(msgTokens, tokenize(topic))
		if score < overlapThreshold {
			continue
		}
		// Prefer the running agent when scores tie.
		if score > bestScore || (score == bestScore && best != nil &&
			persona.Status == models.StatusRunning && best.Status != models.StatusRunning) {
			best = persona
			bestScore = score
		}
	}
	if best == nil {
		return nil
	}

	if best.Status == models.StatusRunning {
		if !r.registry.PushSignal(best.AgentID, text) {
			// Unregistered between the status check and now; treat as fresh.
			return nil
		}
		m := workspace.NewManager(runner, best.AgentID, r.logger)
		m.MutatePersona(ctx, func(p *models.AgentPersona) {
			p.RestatedRequests = append(p.RestatedRequests, text)
		})
		r.logger.Info("follow-up routed to running agent",
			"agent_id", best.AgentID,
			"score", bestScore,
		)
		return &RouteResult{
			Kind:            RouteSignal,
			AgentID:         best.AgentID,
			TaskDescription: best.TaskDescription,
		}
	}

	r.logger.Info("follow-up routed as continuation",
		"agent_id", best.AgentID,
		"score", bestScore,
	)
	return &RouteResult{
		Kind:            RouteContinuation,
		AgentID:         best.AgentID,
		TaskDescription: best.TaskDescription,
		PriorOutput:     best.FinalOutput,
	}
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "you": true, "your": true, "are": true,
	"was": true, "can": true, "could": true, "would": true, "should": true,
	"please": true, "about": true, "what": true, "how": true, "when": true,
	"where": true, "why": true, "did": true, "does": true, "have": true,
	"has": true, "had": true, "will": true, "its": true, "into": true,
	"just": true, "also": true, "some": true, "any": true, "all": true,
	"were": true, "those": true, "these": true, "there": true, "here": true,
	"them": true, "they": true, "then": true, "again": true, "still": true,
}

// tokenize lowercases, splits on non-alphanumerics, and drops short words
// and stopwords. Returns a set.
func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		tokens[f] = true
	}
	return tokens
}

// overlap returns the fraction of message tokens present in the topic.
func overlap(msg, topic map[string]bool) float64 {
	if len(msg) == 0 {
		return 0
	}
	hits := 0
	for tok := range msg {
		if topic[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(msg))
}
