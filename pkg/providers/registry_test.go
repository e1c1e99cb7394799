package providers

import (
	"context"
	"testing"
	"time"
)

type fakeProvider struct {
	calls     int
	responses []*LLMResponse
	errs      []error
}

func (f *fakeProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &LLMResponse{Content: "ok"}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, handler StreamHandler) (*LLMResponse, error) {
	resp, err := f.Chat(ctx, messages, tools, model, options)
	if err == nil && handler != nil {
		handler(resp.Content)
	}
	return resp, err
}

func (f *fakeProvider) GetDefaultModel() string { return "fake-model" }

func TestRegistryResolveByModelName(t *testing.T) {
	r := NewRegistry("claude-sonnet-4-5")
	anthropic := &fakeProvider{}
	openai := &fakeProvider{}
	r.RegisterProvider("anthropic", anthropic)
	r.RegisterProvider("openai", openai)

	p, err := r.Resolve("claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p != LLMProvider(anthropic) {
		t.Fatalf("claude model resolved to wrong provider")
	}

	p, err = r.Resolve("gpt-4o")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p != LLMProvider(openai) {
		t.Fatalf("gpt model resolved to wrong provider")
	}
}

func TestRegistryResolveUnknownModel(t *testing.T) {
	r := NewRegistry("claude-sonnet-4-5")
	if _, err := r.Resolve("mystery-model-9000"); err == nil {
		t.Fatalf("expected error for unbacked model")
	}
}

func TestRegistrySetCurrentModelValidates(t *testing.T) {
	r := NewRegistry("claude-sonnet-4-5")
	r.RegisterProvider("anthropic", &fakeProvider{})

	if err := r.SetCurrentModel("claude-opus-4-1"); err != nil {
		t.Fatalf("SetCurrentModel: %v", err)
	}
	if r.CurrentModel() != "claude-opus-4-1" {
		t.Fatalf("current model not updated")
	}
	if err := r.SetCurrentModel("gpt-4o"); err == nil {
		t.Fatalf("expected error switching to unbacked model")
	}
}

func TestRegistryRetriesOnceOnRateLimit(t *testing.T) {
	r := NewRegistry("claude-sonnet-4-5")
	r.retryBackoff = time.Millisecond
	fp := &fakeProvider{
		errs:      []error{&RateLimitError{StatusCode: 429}, nil},
		responses: []*LLMResponse{nil, {Content: "second try"}},
	}
	r.RegisterProvider("anthropic", fp)

	resp, err := r.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "claude-sonnet-4-5", nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "second try" {
		t.Fatalf("content=%q", resp.Content)
	}
	if fp.calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", fp.calls)
	}
}

func TestRegistryDoesNotRetryOtherErrors(t *testing.T) {
	r := NewRegistry("claude-sonnet-4-5")
	fp := &fakeProvider{errs: []error{context.DeadlineExceeded}}
	r.RegisterProvider("anthropic", fp)

	if _, err := r.Complete(context.Background(), nil, nil, "claude-sonnet-4-5", nil); err == nil {
		t.Fatalf("expected error")
	}
	if fp.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", fp.calls)
	}
}
