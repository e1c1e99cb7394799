package providers

import (
	"context"
	"fmt"
	"strings"
)

// MediaImage holds a base64-encoded image attached to a message.
type MediaImage struct {
	MimeType   string `json:"mime_type"`
	Base64Data string `json:"base64_data"`
}

// Message is one entry of an LLM conversation.
type Message struct {
	Role       string       `json:"role"` // system|user|assistant|tool
	Content    string       `json:"content"`
	ToolCalls  []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Media      []MediaImage `json:"media,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Name      string                 `json:"name,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Function  *FunctionCall          `json:"function,omitempty"`
}

// FunctionCall carries the wire-level function name and raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Type     string                 `json:"type"`
	Function ToolFunctionDefinition `json:"function"`
}

type ToolFunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// UsageInfo tracks token consumption for a single completion.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the normalized completion result.
type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// StreamHandler receives incremental text deltas from a streaming completion.
type StreamHandler func(delta string)

// LLMProvider is the uniform backend contract: messages in, content or
// tool calls out.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, handler StreamHandler) (*LLMResponse, error)
	GetDefaultModel() string
}

// RateLimitError is returned when a backend answers 429. The reset hints are
// kept so callers can decide how long to back off.
type RateLimitError struct {
	StatusCode             int
	Body                   string
	RetryAfter             string
	RateLimitRequestsReset string
	RateLimitTokensReset   string
	Headers                map[string]string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d): %s", e.StatusCode, e.Body)
}

// InferProviderFromModel infers a provider label from a model
// identifier. Registry.Resolve routes on the label, and usage records
// carry it.
func InferProviderFromModel(model string) string {
	m := strings.TrimSpace(strings.ToLower(model))
	if m == "" {
		return "unknown"
	}

	if idx := strings.Index(m, "/"); idx > 0 {
		switch m[:idx] {
		case "openrouter", "anthropic", "openai", "google", "deepseek", "meta-llama":
			return "openrouter"
		case "moonshot":
			return "moonshot"
		case "groq":
			return "groq"
		}
	}

	switch {
	case strings.Contains(m, "claude"):
		return "anthropic"
	case strings.Contains(m, "kimi") || strings.Contains(m, "moonshot"):
		return "moonshot"
	case strings.Contains(m, "gpt") || strings.Contains(m, "o1") || strings.Contains(m, "o3") || strings.Contains(m, "o4"):
		return "openai"
	case strings.Contains(m, "deepseek"):
		return "deepseek"
	case strings.Contains(m, "groq"):
		return "groq"
	default:
		return "unknown"
	}
}
