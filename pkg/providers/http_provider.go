package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, OpenRouter, Groq, DeepSeek, Moonshot, vLLM).
type HTTPProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
}

func NewHTTPProvider(apiKey, apiBase, defaultModel string) *HTTPProvider {
	base := strings.TrimRight(apiBase, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &HTTPProvider{
		apiKey:       apiKey,
		apiBase:      base,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 300 * time.Second},
	}
}

func (p *HTTPProvider) GetDefaultModel() string {
	return p.defaultModel
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    interface{}    `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *UsageInfo `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int          `json:"index"`
				ID       string       `json:"id"`
				Function wireFunction `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *UsageInfo `json:"usage"`
}

func encodeMessages(messages []Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, ToolCallID: m.ToolCallID}

		if len(m.Media) > 0 {
			parts := []map[string]interface{}{}
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
			}
			for _, img := range m.Media {
				parts = append(parts, map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]string{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64Data),
					},
				})
			}
			wm.Content = parts
		} else {
			wm.Content = m.Content
		}

		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			if tc.Function != nil {
				wtc.Function = wireFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
			} else {
				args, _ := json.Marshal(tc.Arguments)
				wtc.Function = wireFunction{Name: tc.Name, Arguments: string(args)}
			}
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func decodeToolCalls(wire []wireToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(wire))
	for _, wtc := range wire {
		tc := ToolCall{
			ID:   wtc.ID,
			Type: "function",
			Name: wtc.Function.Name,
			Function: &FunctionCall{
				Name:      wtc.Function.Name,
				Arguments: wtc.Function.Arguments,
			},
		}
		if wtc.Function.Arguments != "" {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(wtc.Function.Arguments), &args); err == nil {
				tc.Arguments = args
			}
		}
		if tc.Arguments == nil {
			tc.Arguments = map[string]interface{}{}
		}
		out = append(out, tc)
	}
	return out
}

func (p *HTTPProvider) buildRequest(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, stream bool) (*http.Request, error) {
	if model == "" {
		model = p.defaultModel
	}
	body := chatRequest{
		Model:    model,
		Messages: encodeMessages(messages),
		Tools:    tools,
		Stream:   stream,
	}
	if v, ok := options["max_tokens"].(int); ok {
		body.MaxTokens = v
	}
	if v, ok := options["temperature"].(float64); ok {
		body.Temperature = v
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return req, nil
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		headers := map[string]string{}
		for _, h := range []string{"Retry-After", "X-RateLimit-Requests-Reset", "X-RateLimit-Tokens-Reset"} {
			if v := resp.Header.Get(h); v != "" {
				headers[h] = v
			}
		}
		return &RateLimitError{
			StatusCode:             resp.StatusCode,
			Body:                   strings.TrimSpace(string(body)),
			RetryAfter:             resp.Header.Get("Retry-After"),
			RateLimitRequestsReset: resp.Header.Get("X-RateLimit-Requests-Reset"),
			RateLimitTokensReset:   resp.Header.Get("X-RateLimit-Tokens-Reset"),
			Headers:                headers,
		}
	}
	return fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (p *HTTPProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	req, err := p.buildRequest(ctx, messages, tools, model, options, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat response contained no choices")
	}

	choice := parsed.Choices[0]
	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    decodeToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
		Usage:        parsed.Usage,
	}, nil
}

// ChatStream consumes the SSE stream, forwarding text deltas to handler and
// accumulating the full response. Tool call deltas are assembled by index.
func (p *HTTPProvider) ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, handler StreamHandler) (*LLMResponse, error) {
	req, err := p.buildRequest(ctx, messages, tools, model, options, true)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}

	var content strings.Builder
	var usage *UsageInfo
	finishReason := ""
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	partials := map[int]*partialCall{}
	maxIndex := -1

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if handler != nil {
				handler(choice.Delta.Content)
			}
		}
		for _, tcd := range choice.Delta.ToolCalls {
			pc := partials[tcd.Index]
			if pc == nil {
				pc = &partialCall{}
				partials[tcd.Index] = pc
			}
			if tcd.Index > maxIndex {
				maxIndex = tcd.Index
			}
			if tcd.ID != "" {
				pc.id = tcd.ID
			}
			if tcd.Function.Name != "" {
				pc.name = tcd.Function.Name
			}
			pc.args.WriteString(tcd.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read chat stream: %w", err)
	}

	var calls []wireToolCall
	for i := 0; i <= maxIndex; i++ {
		pc := partials[i]
		if pc == nil {
			continue
		}
		calls = append(calls, wireToolCall{
			ID:       pc.id,
			Type:     "function",
			Function: wireFunction{Name: pc.name, Arguments: pc.args.String()},
		})
	}

	return &LLMResponse{
		Content:      content.String(),
		ToolCalls:    decodeToolCalls(calls),
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

var _ LLMProvider = (*HTTPProvider)(nil)
