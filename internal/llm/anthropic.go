package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/druidia-bot/dotbot/internal/backoff"
	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// AnthropicClient implements Client over the official Anthropic SDK.
// Retryable failures are retried with exponential backoff.
type AnthropicClient struct {
	client     anthropic.Client
	maxRetries int
	backoff    backoff.Policy
}

// NewAnthropicClient builds the client from provider config.
func NewAnthropicClient(cfg config.ProviderConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:     anthropic.NewClient(opts...),
		maxRetries: cfg.MaxRetries,
		backoff:    backoff.Provider(cfg.RetryDelay),
	}, nil
}

// Name implements Client.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Chat implements Client.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff.Sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}
		msg, lastErr = c.client.Messages.New(ctx, params)
		if lastErr == nil {
			break
		}
		if !Classify(lastErr).Retryable() {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	resp := &ChatResponse{
		Model:    string(msg.Model),
		Provider: c.Name(),
		Usage: models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text, reasoning strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ThinkingBlock:
			reasoning.WriteString(b.Thinking)
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: json.RawMessage(b.Input),
			})
		}
	}
	resp.Content = text.String()
	resp.ReasoningContent = reasoning.String()
	return resp, nil
}

func (c *AnthropicClient) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return params, err
	}
	params.Messages = messages

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return params, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return params, fmt.Errorf("invalid tool definition for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

// convertAnthropicMessages maps chat messages to Anthropic turns. The
// Messages API wants tool results as blocks of the following user turn, so
// consecutive tool messages collapse into one user message.
func convertAnthropicMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	i := 0
	for i < len(messages) {
		msg := messages[i]
		switch msg.Role {
		case models.RoleSystem:
			// System prompts travel in the dedicated request field.
			i++
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			i++
		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Input, call.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
			i++
		case models.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(messages) && messages[i].Role == models.RoleTool {
				m := messages[i]
				blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
				i++
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}
