package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/druidia-bot/dotbot/internal/backoff"
	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// OpenAIClient implements Client over the go-openai SDK. With a BaseURL it
// also serves any OpenAI-compatible gateway (local runtimes, routers), which
// is how additional providers plug in without new SDKs.
type OpenAIClient struct {
	client     *openai.Client
	name       string
	maxRetries int
	backoff    backoff.Policy
}

// NewOpenAIClient builds the client from provider config. name becomes the
// provider identifier reported in responses and metrics.
func NewOpenAIClient(name string, cfg config.ProviderConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key or base URL required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(clientCfg),
		name:       name,
		maxRetries: cfg.MaxRetries,
		backoff:    backoff.Provider(cfg.RetryDelay),
	}, nil
}

// Name implements Client.
func (c *OpenAIClient) Name() string { return c.name }

// Chat implements Client.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertOpenAIMessages(req),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, tool := range req.Tools {
		var schema json.RawMessage
		if len(tool.InputSchema) > 0 {
			schema = tool.InputSchema
		} else {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff.Sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}
		resp, lastErr = c.client.CreateChatCompletion(ctx, chatReq)
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
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{
		Content:          choice.Content,
		ReasoningContent: choice.ReasoningContent,
		Model:            resp.Model,
		Provider:         c.name,
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func convertOpenAIMessages(req *ChatRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}
