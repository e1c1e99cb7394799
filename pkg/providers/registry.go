package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry resolves model names to LLM backends and owns the process-wide
// currently-selected model. Each Complete call gets one bounded retry with
// backoff when the backend rate-limits, then the error surfaces to the caller.
type Registry struct {
	mu           sync.RWMutex
	byName       map[string]LLMProvider // provider label -> backend
	currentModel string

	retryBackoff time.Duration
}

func NewRegistry(defaultModel string) *Registry {
	return &Registry{
		byName:       map[string]LLMProvider{},
		currentModel: defaultModel,
		retryBackoff: 2 * time.Second,
	}
}

// RegisterProvider binds a backend to a provider label ("anthropic",
// "openai", "openrouter", ...).
func (r *Registry) RegisterProvider(name string, provider LLMProvider) {
	r.mu.Lock()
	r.byName[strings.ToLower(name)] = provider
	r.mu.Unlock()
}

// CurrentModel returns the process-wide selected model.
func (r *Registry) CurrentModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentModel
}

// SetCurrentModel switches the selected model after verifying a backend
// exists for it.
func (r *Registry) SetCurrentModel(model string) error {
	if _, err := r.Resolve(model); err != nil {
		return err
	}
	r.mu.Lock()
	r.currentModel = model
	r.mu.Unlock()
	return nil
}

// Providers lists registered provider labels, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a model name to its backend. The empty model resolves to the
// currently-selected one.
func (r *Registry) Resolve(model string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model == "" {
		model = r.currentModel
	}
	label := InferProviderFromModel(model)
	if p, ok := r.byName[label]; ok {
		return p, nil
	}
	// openrouter serves prefixed models for several upstream labels
	if p, ok := r.byName["openrouter"]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no provider configured for model %q", model)
}

// Complete runs one completion against the backend for model, retrying once
// with backoff on rate limits.
func (r *Registry) Complete(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if model == "" {
		model = r.CurrentModel()
	}
	provider, err := r.Resolve(model)
	if err != nil {
		return nil, err
	}

	resp, err := provider.Chat(ctx, messages, tools, model, options)
	if err == nil {
		return resp, nil
	}

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.retryBackoff):
	}
	return provider.Chat(ctx, messages, tools, model, options)
}

// Stream is the streaming variant of Complete. Rate limits are not retried
// mid-stream; the single attempt's error surfaces directly.
func (r *Registry) Stream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, handler StreamHandler) (*LLMResponse, error) {
	if model == "" {
		model = r.CurrentModel()
	}
	provider, err := r.Resolve(model)
	if err != nil {
		return nil, err
	}
	return provider.ChatStream(ctx, messages, tools, model, options, handler)
}
