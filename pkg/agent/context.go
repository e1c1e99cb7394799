package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/memory"
	"github.com/openwhale/openwhale/pkg/providers"
	"github.com/openwhale/openwhale/pkg/skills"
)

// ContextBuilder assembles the system prompt and the message list for a
// model call. The prompt is rebuilt per run so tool availability, skill
// state and memory are always current.
type ContextBuilder struct {
	workspace string
	loader    *skills.Loader
	skillReg  *skills.Registry
	memory    *memory.Store
}

func NewContextBuilder(workspace string, loader *skills.Loader, skillReg *skills.Registry, mem *memory.Store) *ContextBuilder {
	return &ContextBuilder{
		workspace: workspace,
		loader:    loader,
		skillReg:  skillReg,
		memory:    mem,
	}
}

func (cb *ContextBuilder) identity(channel, sender string, toolSummaries []string) string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, _ := filepath.Abs(cb.workspace)
	rt := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	var sb strings.Builder
	sb.WriteString("# OpenWhale\n\n")
	sb.WriteString("You are OpenWhale, a personal AI assistant reachable over chat platforms.\n\n")
	sb.WriteString("## Environment\n")
	fmt.Fprintf(&sb, "- **Runtime**: %s\n", rt)
	fmt.Fprintf(&sb, "- **Current Time**: %s\n", now)
	fmt.Fprintf(&sb, "- **Channel**: %s\n", channel)
	fmt.Fprintf(&sb, "- **Talking To**: %s\n", sender)
	sb.WriteString("- **Connectivity**: You have internet access and can make HTTP requests\n\n")
	sb.WriteString("## Workspace\n")
	fmt.Fprintf(&sb, "%s\n", workspacePath)
	fmt.Fprintf(&sb, "- Memory: %s/memory/MEMORY.md\n", workspacePath)
	fmt.Fprintf(&sb, "- Artifacts: %s/artifacts/\n\n", workspacePath)

	if len(toolSummaries) > 0 {
		sb.WriteString("## Available Tools\n\n")
		sb.WriteString("**CRITICAL**: You MUST use tools to perform actions. Do NOT pretend to execute commands or describe what you would do.\n\n")
		for _, s := range toolSummaries {
			sb.WriteString(s)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Important Rules\n\n")
	sb.WriteString("1. **ALWAYS use tools** when an action is needed. Never claim you lack access to a capability a tool provides.\n")
	sb.WriteString("2. **Never ask the user for credentials**. Missing API keys or tokens belong in the configuration; say which one is missing instead.\n")
	fmt.Fprintf(&sb, "3. **Images**: after a capture tool runs, call %s_send_image to deliver the picture to the user.\n", channel)
	fmt.Fprintf(&sb, "4. **Memory**: store information worth keeping in %s/memory/MEMORY.md.\n", workspacePath)
	sb.WriteString("5. **Be concise**: briefly explain what you're doing, then do it. Replies are plain chat messages, not documents.")

	return sb.String()
}

// BuildSystemPrompt composes identity, bootstrap files, skill summaries
// and memory into one prompt, sections joined by a horizontal rule.
func (cb *ContextBuilder) BuildSystemPrompt(channel, sender string, toolSummaries []string) string {
	parts := []string{cb.identity(channel, sender, toolSummaries)}

	if bootstrap := cb.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	var skillsSummary string
	if cb.loader != nil {
		skillsSummary = cb.loader.BuildSummary()
	}
	if cb.skillReg != nil {
		if regSummary := cb.skillReg.Summary(); regSummary != "" {
			if skillsSummary != "" {
				skillsSummary += "\n"
			}
			skillsSummary += regSummary
		}
	}
	if skillsSummary != "" {
		parts = append(parts, fmt.Sprintf(`# Skills

The following skills extend your capabilities. To use a file-based skill, read its SKILL.md with the read_file tool.

%s`, skillsSummary))
	}

	if cb.memory != nil {
		if memoryContext := cb.memory.GetMemoryContext(); memoryContext != "" {
			parts = append(parts, "# Memory\n\n"+memoryContext)
		}
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (cb *ContextBuilder) loadBootstrapFiles() string {
	bootstrapFiles := []string{
		"AGENTS.md",
		"SOUL.md",
		"USER.md",
		"IDENTITY.md",
	}

	var result string
	for _, filename := range bootstrapFiles {
		filePath := filepath.Join(cb.workspace, filename)
		if data, err := os.ReadFile(filePath); err == nil {
			result += fmt.Sprintf("## %s\n\n%s\n\n", filename, string(data))
		}
	}

	return result
}

// BuildMessages produces the full conversation for a model call: system
// prompt, persisted history with orphaned leading tool messages dropped,
// then the new user turn with any attached images.
func (cb *ContextBuilder) BuildMessages(systemPrompt string, history []providers.Message, content string, media []providers.MediaImage) []providers.Message {
	logger.DebugCF("agent", "System prompt built", map[string]interface{}{
		"total_chars":   len(systemPrompt),
		"section_count": strings.Count(systemPrompt, "\n\n---\n\n") + 1,
		"history_len":   len(history),
	})

	// A history starting with tool results references tool_use IDs the
	// model never saw; providers reject that.
	for len(history) > 0 && history[0].Role == "tool" {
		logger.DebugCF("agent", "Dropping orphaned tool message from history", nil)
		history = history[1:]
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)

	userMsg := providers.Message{Role: "user", Content: content}
	if len(media) > 0 {
		userMsg.Media = media
		logger.InfoCF("agent", "Attached images to message", map[string]interface{}{"count": len(media)})
	}
	messages = append(messages, userMsg)

	return messages
}
