// Package tools implements the agent's tool surface: shell, filesystem,
// web access, capture devices, and diagnostics. Every tool returns a
// ToolResult; failures are data for the model, never panics.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/providers"
)

// Metadata keys tools use to hand artifacts back to the processing run.
const (
	MetaArtifactKind = "artifact_kind"
	MetaArtifactPath = "artifact_path"
	MetaFilePath     = "file_path"
)

// ArtifactImage marks a captured image payload in result metadata.
const ArtifactImage = "image"

// ToolResult is the outcome of one tool execution.
// ForLLM is what goes back into the conversation; ForUser optionally
// overrides what (if anything) is surfaced to the human; Silent means
// nothing user-visible at all.
type ToolResult struct {
	ForLLM   string
	ForUser  string
	Silent   bool
	IsError  bool
	Err      error
	Metadata map[string]string
}

// ErrorResult builds an error outcome the model can react to.
func ErrorResult(format string, args ...interface{}) *ToolResult {
	return &ToolResult{ForLLM: fmt.Sprintf(format, args...), IsError: true}
}

// SilentResult builds a successful outcome that is for the model only.
func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

// Tool is one callable capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// Registry holds the process-wide tool set. Registration happens at
// startup; lookups are concurrent-safe.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	logger.DebugCF("tools", "Registered tool", map[string]any{"name": t.Name()})
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names, sorted for stable prompts.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named tool. An unknown name, a nil result or a
// panic inside the tool are all error results, not process errors: the
// model sees them and can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *ToolResult) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult("Unknown tool: %s", name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			result = ErrorResult("Tool %s panicked: %v", name, rec)
		}
	}()
	result = t.Execute(ctx, args)
	if result == nil {
		return ErrorResult("Tool %s returned no result", name)
	}
	return result
}

// Definitions renders the registry in the provider wire format.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Summaries lists "name: description" lines for the system prompt.
func (r *Registry) Summaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	summaries := make([]string, 0, len(names))
	for _, name := range names {
		summaries = append(summaries, fmt.Sprintf("- **%s**: %s", name, r.tools[name].Description()))
	}
	return summaries
}
