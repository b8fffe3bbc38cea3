package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind categorizes provider failures. The loop and the failure
// reporter branch on these, never on raw error text.
type ErrorKind string

const (
	ErrKindRateLimit ErrorKind = "llm_rate_limit"
	ErrKindAuth      ErrorKind = "llm_auth"
	ErrKindParse     ErrorKind = "llm_parse_failure"
	ErrKindCanceled  ErrorKind = "llm_canceled"
	ErrKindOther     ErrorKind = "llm_error"
)

// Retryable reports whether a request failing with this kind may succeed on
// a later attempt without operator action.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindRateLimit || k == ErrKindOther
}

// Classify maps a provider error onto the error taxonomy. Typed SDK errors
// are inspected first; anything else falls back to pattern matching, since
// OpenAI-compatible gateways wrap errors as plain strings.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrKindOther
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrKindCanceled
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return classifyStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return classifyStatus(openaiErr.HTTPStatusCode)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "overloaded"):
		return ErrKindRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "forbidden") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return ErrKindAuth
	case strings.Contains(msg, "unmarshal") || strings.Contains(msg, "invalid json") ||
		strings.Contains(msg, "parse"):
		return ErrKindParse
	default:
		return ErrKindOther
	}
}

func classifyStatus(code int) ErrorKind {
	switch {
	case code == 429:
		return ErrKindRateLimit
	case code == 401 || code == 403:
		return ErrKindAuth
	case code >= 500:
		return ErrKindOther
	default:
		return ErrKindOther
	}
}
