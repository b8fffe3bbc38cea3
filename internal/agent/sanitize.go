package agent

import "github.com/druidia-bot/dotbot/pkg/models"

// missingResultPlaceholder answers tool calls whose results were lost, for
// example across a resume or after a batch was interrupted. Providers reject
// conversations where an assistant tool_calls batch is not answered in full.
const missingResultPlaceholder = "Tool result unavailable."

// sanitizeMessages enforces the provider invariants on a conversation before
// every LLM call: each assistant tool_calls batch is answered by exactly
// matching role:tool replies (missing replies are filled with placeholders,
// orphaned replies dropped), and stale reasoning content is stripped from
// assistant messages.
func sanitizeMessages(history []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(history))
	var pendingOrder []string
	pending := make(map[string]struct{})

	flush := func() {
		for _, id := range pendingOrder {
			out = append(out, models.ChatMessage{
				Role:       models.RoleTool,
				Content:    missingResultPlaceholder,
				ToolCallID: id,
			})
		}
		pendingOrder = pendingOrder[:0]
		for id := range pending {
			delete(pending, id)
		}
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			flush()
			msg.ReasoningContent = ""
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				pending[call.ID] = struct{}{}
				pendingOrder = append(pendingOrder, call.ID)
			}
			out = append(out, msg)
		case models.RoleTool:
			if msg.ToolCallID == "" && len(pendingOrder) > 0 {
				msg.ToolCallID = pendingOrder[0]
			}
			if _, ok := pending[msg.ToolCallID]; !ok {
				continue
			}
			delete(pending, msg.ToolCallID)
			pendingOrder = removeID(pendingOrder, msg.ToolCallID)
			out = append(out, msg)
		default:
			flush()
			out = append(out, msg)
		}
	}
	flush()
	return out
}

// clearReasoning strips reasoning content from assistant messages in place.
// Strict providers reject reasoning on any but the latest assistant turn, so
// it is dropped whenever the conversation is about to grow.
func clearReasoning(history []models.ChatMessage) {
	for i := range history {
		if history[i].Role == models.RoleAssistant {
			history[i].ReasoningContent = ""
		}
	}
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
