package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// Synthetic tools are injected server-side into every run. They never reach
// a device; their handlers close over the run state.
const (
	toolEscalate        = "agent__escalate"
	toolRequestTools    = "agent__request_tools"
	toolRequestResearch = "agent__request_research"
	toolWaitForUser     = "agent__wait_for_user"
)

var syntheticDefs = []models.ToolDefinition{
	{
		ID:   "agent.escalate",
		Name: toolEscalate,
		Description: "Escalate when you cannot make progress. First states what is missing; " +
			"if the missing tools can be provided the task continues, otherwise it is handed to a more capable agent.",
		Category: "agent",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {"type": "string", "description": "Why you cannot proceed."},
				"neededCategories": {"type": "array", "items": {"type": "string"}, "description": "Tool categories that would unblock you."}
			},
			"required": ["reason"]
		}`),
	},
	{
		ID:   "agent.request_tools",
		Name: toolRequestTools,
		Description: "Request additional tools by category. Newly granted tools become " +
			"callable on your next step.",
		Category: "agent",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"categories": {"type": "array", "items": {"type": "string"}, "description": "Tool categories you need."}
			},
			"required": ["categories"]
		}`),
	},
	{
		ID:   "agent.request_research",
		Name: toolRequestResearch,
		Description: "Delegate a research question to a background researcher and receive " +
			"its findings as the tool result.",
		Category: "agent",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The research question."},
				"depth": {"type": "string", "description": "quick or thorough."},
				"format": {"type": "string", "description": "Desired output format."}
			},
			"required": ["query"]
		}`),
	},
	{
		ID:   "agent.wait_for_user",
		Name: toolWaitForUser,
		Description: "Pause and wait for the user to respond. Use when you need a decision " +
			"or information only the user has. Their reply arrives as a user update.",
		Category: "agent",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {"type": "string", "description": "What you are waiting for."},
				"hint": {"type": "string", "description": "Suggested answers, if any."},
				"timeoutMs": {"type": "integer", "description": "How long to wait before giving up."}
			},
			"required": ["reason"]
		}`),
	},
}

// installSynthetics adds the synthetic tools to the run's active set. A
// caller-supplied handler under the same name wins.
func (l *Loop) installSynthetics(rs *runState, hooks Hooks) {
	for _, def := range syntheticDefs {
		if _, taken := rs.handlers[def.Name]; taken {
			continue
		}
		rs.tools = append(rs.tools, def)
		switch def.Name {
		case toolEscalate:
			rs.handlers[def.Name] = escalateHandler(rs, hooks)
		case toolRequestTools:
			rs.handlers[def.Name] = requestToolsHandler(rs, hooks)
		case toolRequestResearch:
			rs.handlers[def.Name] = requestResearchHandler(hooks)
		case toolWaitForUser:
			rs.handlers[def.Name] = waitForUserHandler(hooks, l.cfg.WaitForUserTimeout)
		}
	}
}

func escalateHandler(rs *runState, hooks Hooks) Handler {
	return func(call *CallContext, args map[string]any) (*HandlerResult, error) {
		reason, _ := args["reason"].(string)
		if reason == "" {
			reason = "the current approach is not working"
		}

		// Auto-resolve first: if the missing tools can simply be granted,
		// there is nothing to escalate.
		if cats := stringSlice(args["neededCategories"]); len(cats) > 0 && hooks.OnRequestTools != nil {
			defs, extra, err := hooks.OnRequestTools(call.Ctx, cats)
			if err == nil {
				if added := rs.addTools(defs, extra); len(added) > 0 {
					return &HandlerResult{
						Content: "New tools are now available: " + strings.Join(added, ", ") +
							". Continue the task with these instead of escalating.",
					}, nil
				}
			}
		}

		call.Escalate(reason)
		return &HandlerResult{
			Content:    "Escalating to a more capable handler: " + reason,
			BreakBatch: true,
		}, nil
	}
}

func requestToolsHandler(rs *runState, hooks Hooks) Handler {
	return func(call *CallContext, args map[string]any) (*HandlerResult, error) {
		if hooks.OnRequestTools == nil {
			return nil, errors.New("tool discovery is not available in this run")
		}
		cats := stringSlice(args["categories"])
		defs, extra, err := hooks.OnRequestTools(call.Ctx, cats)
		if err != nil {
			return nil, err
		}
		added := rs.addTools(defs, extra)
		if len(added) == 0 {
			return &HandlerResult{Content: "No new tools are available for: " + strings.Join(cats, ", ")}, nil
		}
		return &HandlerResult{Content: "Added tools: " + strings.Join(added, ", ")}, nil
	}
}

func requestResearchHandler(hooks Hooks) Handler {
	return func(call *CallContext, args map[string]any) (*HandlerResult, error) {
		if hooks.OnRequestResearch == nil {
			return nil, errors.New("research delegation is not available in this run")
		}
		query, _ := args["query"].(string)
		if query == "" {
			return nil, errors.New("research query is required")
		}
		depth, _ := args["depth"].(string)
		format, _ := args["format"].(string)
		findings, err := hooks.OnRequestResearch(call.Ctx, query, depth, format)
		if err != nil {
			return nil, err
		}
		if findings == "" {
			findings = "The researcher returned no findings."
		}
		return &HandlerResult{Content: findings}, nil
	}
}

func waitForUserHandler(hooks Hooks, defaultTimeout time.Duration) Handler {
	return func(call *CallContext, args map[string]any) (*HandlerResult, error) {
		if hooks.OnWaitForUser == nil {
			return nil, errors.New("waiting for the user is not available in this run")
		}
		reason, _ := args["reason"].(string)
		hint, _ := args["hint"].(string)
		timeout := defaultTimeout
		if ms, ok := args["timeoutMs"].(float64); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		reply, err := hooks.OnWaitForUser(call.Ctx, reason, hint, timeout)
		if err != nil {
			return nil, fmt.Errorf("waiting for user: %w", err)
		}
		call.Inject(reply)
		return &HandlerResult{
			Content:    "The user has responded. Their reply follows as a user update.",
			BreakBatch: true,
		}, nil
	}
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
