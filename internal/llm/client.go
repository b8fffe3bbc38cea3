// Package llm implements the provider layer consumed by the tool loop: a
// non-streaming chat interface over the Anthropic and OpenAI SDKs, plus a
// tier router that binds named tiers (nano, workhorse, architect) to a
// provider and model.
package llm

import (
	"context"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// Client is one LLM provider bound to its SDK. Implementations are safe for
// concurrent use.
type Client interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Chat performs one completion call and returns the whole response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ChatRequest describes one completion call.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []models.ChatMessage
	Tools       []models.ToolDefinition
	MaxTokens   int
	Temperature float32
}

// ChatResponse is the whole assistant turn.
type ChatResponse struct {
	Content          string
	ReasoningContent string
	ToolCalls        []models.ToolCall
	Usage            models.Usage
	Model            string
	Provider         string
}

// Tier names understood by the router. The loop escalates along this ladder
// when it detects lack of progress.
const (
	TierNano      = "nano"
	TierWorkhorse = "workhorse"
	TierArchitect = "architect"
)
