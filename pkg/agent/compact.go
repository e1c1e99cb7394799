package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/providers"
	"github.com/openwhale/openwhale/pkg/session"
)

const (
	// Messages kept verbatim at the end of a compacted history.
	compactKeepTail = 4
	// Oldest history allowed before compaction triggers on count alone.
	compactMaxMessages = 40
	summaryMaxTokens   = 1024
	summaryTemperature = 0.3
	summaryPrefix      = "[Conversation summary]\n"
)

// Compactor shrinks long conversations so they keep fitting the model's
// context window. Older messages are summarized through the model; the
// tail stays verbatim so recent tool state survives.
type Compactor struct {
	registry      *providers.Registry
	sessions      *session.Store
	contextWindow int
}

func NewCompactor(registry *providers.Registry, sessions *session.Store, contextWindow int) *Compactor {
	if contextWindow <= 0 {
		contextWindow = 200000
	}
	return &Compactor{registry: registry, sessions: sessions, contextWindow: contextWindow}
}

// estimateTokens is a deliberate over-count so compaction fires before
// the provider rejects the request.
func estimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += len([]rune(m.Content)) / 3
		for _, tc := range m.ToolCalls {
			if tc.Function != nil {
				total += len([]rune(tc.Function.Arguments)) / 3
			}
		}
	}
	return total
}

func (c *Compactor) needsCompaction(history []providers.Message) bool {
	if len(history) > compactMaxMessages {
		return true
	}
	return estimateTokens(history) > c.contextWindow/2
}

// CompactIfNeeded returns messages unchanged when the conversation is
// small enough. Otherwise it summarizes everything but the tail,
// persists the shrunken history, and returns the compacted list.
// messages[0] must be the system prompt; on any summarization failure
// the original list comes back untouched.
func (c *Compactor) CompactIfNeeded(ctx context.Context, messages []providers.Message, model, sessionKey string) []providers.Message {
	if len(messages) < 2 {
		return messages
	}
	history := messages[1:]
	if !c.needsCompaction(history) {
		return messages
	}

	keep := compactKeepTail
	if keep >= len(history) {
		return messages
	}
	head := history[:len(history)-keep]
	tail := history[len(history)-keep:]
	// The tail must not open with tool results whose tool_use turn got
	// summarized away.
	for len(tail) > 0 && tail[0].Role == "tool" {
		tail = tail[1:]
	}

	summary, err := c.summarize(ctx, head, model)
	if err != nil {
		logger.WarnCF("agent", "History compaction failed, keeping full history",
			map[string]interface{}{"session": sessionKey, "error": err.Error()})
		return messages
	}

	summaryMsg := providers.Message{Role: "user", Content: summaryPrefix + summary}
	newHistory := make([]providers.Message, 0, len(tail)+1)
	newHistory = append(newHistory, summaryMsg)
	newHistory = append(newHistory, tail...)

	if c.sessions != nil {
		if err := c.sessions.ReplaceHistory(sessionKey, newHistory); err != nil {
			logger.WarnCF("agent", "Failed to persist compacted history",
				map[string]interface{}{"session": sessionKey, "error": err.Error()})
		}
	}

	logger.InfoCF("agent", "Compacted conversation history", map[string]interface{}{
		"session": sessionKey,
		"before":  len(history),
		"after":   len(newHistory),
	})

	compacted := make([]providers.Message, 0, len(newHistory)+1)
	compacted = append(compacted, messages[0])
	compacted = append(compacted, newHistory...)
	return compacted
}

// summarize condenses messages in parts small enough to fit the window,
// then merges part summaries with one more call when needed.
func (c *Compactor) summarize(ctx context.Context, msgs []providers.Message, model string) (string, error) {
	partBudget := c.contextWindow / 4
	oversize := c.contextWindow / 2

	var parts []string
	var current strings.Builder
	currentTokens := 0
	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
			currentTokens = 0
		}
	}

	for _, m := range msgs {
		text := renderForSummary(m)
		tokens := len([]rune(text)) / 3
		if tokens > oversize {
			// One giant message would blow the summarization call itself.
			continue
		}
		if currentTokens+tokens > partBudget {
			flush()
		}
		current.WriteString(text)
		current.WriteString("\n")
		currentTokens += tokens
	}
	flush()

	if len(parts) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	summaries := make([]string, 0, len(parts))
	for _, part := range parts {
		s, err := c.summarizeText(ctx, part, model)
		if err != nil {
			return "", err
		}
		summaries = append(summaries, s)
	}
	if len(summaries) == 1 {
		return summaries[0], nil
	}
	return c.summarizeText(ctx, strings.Join(summaries, "\n\n"), model)
}

func (c *Compactor) summarizeText(ctx context.Context, text, model string) (string, error) {
	prompt := "Summarize this conversation segment concisely. Preserve facts, decisions, " +
		"open tasks and any file paths or identifiers mentioned:\n\n" + text
	resp, err := c.registry.Complete(ctx,
		[]providers.Message{{Role: "user", Content: prompt}},
		nil, model,
		map[string]interface{}{
			"max_tokens":  summaryMaxTokens,
			"temperature": summaryTemperature,
		})
	if err != nil {
		return "", fmt.Errorf("summarize history: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func renderForSummary(m providers.Message) string {
	role := m.Role
	content := m.Content
	if len(m.ToolCalls) > 0 {
		names := make([]string, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			name := tc.Name
			if name == "" && tc.Function != nil {
				name = tc.Function.Name
			}
			names = append(names, name)
		}
		content += " [called tools: " + strings.Join(names, ", ") + "]"
	}
	return fmt.Sprintf("%s: %s", role, content)
}
