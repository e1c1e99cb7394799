package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProviderChat(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{
				"message": {"content": "hello", "tool_calls": null},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`))
	}))
	defer ts.Close()

	p := NewHTTPProvider("k", ts.URL, "gpt-4o-mini")
	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "", map[string]interface{}{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("content=%q want hello", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 {
		t.Fatalf("usage not decoded: %+v", resp.Usage)
	}
}

func TestHTTPProviderDecodesToolCalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "exec", "arguments": "{\"command\":\"ls\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}]
		}`))
	}))
	defer ts.Close()

	p := NewHTTPProvider("k", ts.URL, "gpt-4o-mini")
	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "list files"}}, nil, "", nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "exec" || tc.ID != "call_1" {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
	if cmd, _ := tc.Arguments["command"].(string); cmd != "ls" {
		t.Fatalf("arguments not parsed: %+v", tc.Arguments)
	}
}

func TestHTTPProvider429IncludesHeaders(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.Header().Set("X-RateLimit-Requests-Reset", "1735689600")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer ts.Close()

	p := NewHTTPProvider("k", ts.URL, "")
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "ping"}}, nil, "gpt-4o-mini", map[string]interface{}{})
	if err == nil {
		t.Fatalf("expected error")
	}

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T", err)
	}
	if rl.RetryAfter != "120" {
		t.Fatalf("expected retry-after header")
	}
	if rl.Headers["Retry-After"] != "120" {
		t.Fatalf("expected headers map to contain Retry-After")
	}
}

func TestHTTPProviderStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer ts.Close()

	p := NewHTTPProvider("k", ts.URL, "gpt-4o-mini")
	var got string
	resp, err := p.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "", nil, func(delta string) {
		got += delta
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got != "Hello" || resp.Content != "Hello" {
		t.Fatalf("stream deltas=%q content=%q", got, resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish reason=%q", resp.FinishReason)
	}
}
