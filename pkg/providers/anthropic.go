package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider drives the Anthropic Messages API through the official SDK.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

func NewAnthropicProvider(apiKey, apiBase, defaultModel string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

func (p *AnthropicProvider) GetDefaultModel() string {
	return p.defaultModel
}

func (p *AnthropicProvider) buildParams(messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) anthropic.MessageNewParams {
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := 8192
	if v, ok := options["max_tokens"].(int); ok && v > 0 {
		maxTokens = v
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if v, ok := options["temperature"].(float64); ok {
		params.Temperature = anthropic.Float(v)
	}

	var converted []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			// The Messages API carries the system prompt out of band.
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "user":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, img := range m.Media {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Base64Data))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			converted = append(converted, anthropic.NewUserMessage(blocks...))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]interface{}{}
				if tc.Arguments != nil {
					input = tc.Arguments
				} else if tc.Function != nil && tc.Function.Arguments != "" {
					var parsed map[string]interface{}
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &parsed); err == nil {
						input = parsed
					}
				}
				name := tc.Name
				if name == "" && tc.Function != nil {
					name = tc.Function.Name
				}
				toolUse := anthropic.ToolUseBlockParam{ID: tc.ID, Name: name, Input: input}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolUse: &toolUse})
			}
			if len(blocks) > 0 {
				converted = append(converted, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			result := anthropic.ToolResultBlockParam{
				ToolUseID: m.ToolCallID,
				Content: []anthropic.ToolResultBlockParamContentUnion{
					{OfText: &anthropic.TextBlockParam{Text: m.Content}},
				},
			}
			converted = append(converted, anthropic.NewUserMessage(
				anthropic.ContentBlockParamUnion{OfToolResult: &result},
			))
		}
	}
	params.Messages = converted

	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name:        t.Function.Name,
			Description: anthropic.String(t.Function.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Function.Parameters["properties"],
			},
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	return params
}

func decodeAnthropicMessage(message *anthropic.Message) *LLMResponse {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			raw := variant.JSON.Input.Raw()
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
				args = map[string]interface{}{}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        variant.ID,
				Type:      "function",
				Name:      variant.Name,
				Arguments: args,
				Function:  &FunctionCall{Name: variant.Name, Arguments: raw},
			})
		}
	}

	return &LLMResponse{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: string(message.StopReason),
		Usage: &UsageInfo{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	params := p.buildParams(messages, tools, model, options)
	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	return decodeAnthropicMessage(message), nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, handler StreamHandler) (*LLMResponse, error) {
	params := p.buildParams(messages, tools, model, options)
	stream := p.client.Messages.NewStreaming(ctx, params)

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}
		if handler == nil {
			continue
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				handler(deltaVariant.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return decodeAnthropicMessage(&message), nil
}

var _ LLMProvider = (*AnthropicProvider)(nil)
