package llm

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/druidia-bot/dotbot/internal/config"
)

// Router resolves tier names to a bound client and model. Tiers come from
// config; the ladder order nano < workhorse < architect is fixed.
type Router struct {
	clients map[string]Client
	tiers   map[string]config.TierConfig
	logger  *slog.Logger
}

// NewRouter constructs every configured provider client and validates that
// all tiers resolve.
func NewRouter(cfg config.LLMConfig, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		clients: make(map[string]Client, len(cfg.Providers)),
		tiers:   cfg.Tiers,
		logger:  logger.With("component", "llm.router"),
	}
	for name, pc := range cfg.Providers {
		client, err := buildClient(name, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		r.clients[name] = client
	}
	for tier, tc := range cfg.Tiers {
		if _, ok := r.clients[tc.Provider]; !ok {
			return nil, fmt.Errorf("tier %s references unknown provider %q", tier, tc.Provider)
		}
	}
	return r, nil
}

func buildClient(name string, pc config.ProviderConfig) (Client, error) {
	switch pc.Type {
	case "anthropic":
		return NewAnthropicClient(pc)
	case "openai", "openai_compatible":
		return NewOpenAIClient(name, pc)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// Tier returns the client and model bound to the named tier.
func (r *Router) Tier(name string) (Client, string, error) {
	tc, ok := r.tiers[name]
	if !ok {
		return nil, "", fmt.Errorf("unknown llm tier %q", name)
	}
	client, ok := r.clients[tc.Provider]
	if !ok {
		return nil, "", fmt.Errorf("tier %q provider %q not configured", name, tc.Provider)
	}
	return client, tc.Model, nil
}

// HasTier reports whether a tier is configured.
func (r *Router) HasTier(name string) bool {
	_, ok := r.tiers[name]
	return ok
}

// TierNames returns the configured tiers, sorted for stable logging.
func (r *Router) TierNames() []string {
	names := make([]string, 0, len(r.tiers))
	for name := range r.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ladder orders the built-in tiers from cheapest to strongest.
var ladder = []string{TierNano, TierWorkhorse, TierArchitect}

// NextTierUp returns the next configured tier above current, if any. Used
// by the loop's escalation hook and by stuck recovery.
func (r *Router) NextTierUp(current string) (string, bool) {
	pos := -1
	for i, name := range ladder {
		if name == current {
			pos = i
			break
		}
	}
	for i := pos + 1; i < len(ladder); i++ {
		if r.HasTier(ladder[i]) {
			return ladder[i], true
		}
	}
	return "", false
}
