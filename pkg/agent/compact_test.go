package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openwhale/openwhale/pkg/providers"
	"github.com/openwhale/openwhale/pkg/session"
)

func TestCompactIfNeededLeavesShortHistoryAlone(t *testing.T) {
	provider := &scriptedProvider{}
	reg := providers.NewRegistry(testModel)
	reg.RegisterProvider("anthropic", provider)
	c := NewCompactor(reg, nil, 200000)

	messages := []providers.Message{
		{Role: "system", Content: "prompt"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	out := c.CompactIfNeeded(context.Background(), messages, testModel, "k")
	if len(out) != 3 {
		t.Fatalf("length = %d", len(out))
	}
	if len(provider.calls) != 0 {
		t.Fatal("summarizer called for a short history")
	}
}

func TestCompactIfNeededSummarizesAndPersists(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		textResponse("they discussed many things"),
	}}
	reg := providers.NewRegistry(testModel)
	reg.RegisterProvider("anthropic", provider)

	sessions, err := session.NewStore(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer sessions.Close()
	sctx, err := sessions.GetSessionContext("telegram", session.TypeDM, "u")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	c := NewCompactor(reg, sessions, 200000)

	messages := []providers.Message{{Role: "system", Content: "prompt"}}
	for i := 0; i < compactMaxMessages+10; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		messages = append(messages, providers.Message{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	lastContent := messages[len(messages)-1].Content

	out := c.CompactIfNeeded(context.Background(), messages, testModel, sctx.Session.Key)

	if len(out) >= len(messages) {
		t.Fatalf("history did not shrink: %d -> %d", len(messages), len(out))
	}
	if out[0].Role != "system" {
		t.Fatalf("first message role = %s", out[0].Role)
	}
	if !strings.Contains(out[1].Content, "they discussed many things") {
		t.Fatalf("summary message = %q", out[1].Content)
	}
	if out[len(out)-1].Content != lastContent {
		t.Fatalf("tail lost, last = %q", out[len(out)-1].Content)
	}

	reloaded, err := sessions.GetSessionContext("telegram", session.TypeDM, "u")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.History) != len(out)-1 {
		t.Fatalf("persisted %d messages, in-memory %d", len(reloaded.History), len(out)-1)
	}
	if !strings.HasPrefix(reloaded.History[0].Content, summaryPrefix) {
		t.Fatalf("persisted history does not start with the summary: %q", reloaded.History[0].Content)
	}
}

func TestCompactionFailureKeepsHistory(t *testing.T) {
	provider := &scriptedProvider{err: fmt.Errorf("backend down")}
	reg := providers.NewRegistry(testModel)
	reg.RegisterProvider("anthropic", provider)
	c := NewCompactor(reg, nil, 200000)

	messages := []providers.Message{{Role: "system", Content: "prompt"}}
	for i := 0; i < compactMaxMessages+10; i++ {
		messages = append(messages, providers.Message{Role: "user", Content: "m"})
	}

	out := c.CompactIfNeeded(context.Background(), messages, testModel, "k")
	if len(out) != len(messages) {
		t.Fatalf("history changed on failure: %d -> %d", len(messages), len(out))
	}
}
