package session

import (
	"path/filepath"
	"testing"

	"github.com/openwhale/openwhale/pkg/providers"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetSessionContextCreatesOnce(t *testing.T) {
	store := newTestStore(t)

	first, err := store.GetSessionContext("telegram", TypeDM, "42")
	if err != nil {
		t.Fatalf("GetSessionContext failed: %v", err)
	}
	if !first.IsNewSession {
		t.Error("expected first lookup to create the session")
	}
	if first.Session.Key != "telegram:dm:42" {
		t.Errorf("unexpected session key: %s", first.Session.Key)
	}

	second, err := store.GetSessionContext("telegram", TypeDM, "42")
	if err != nil {
		t.Fatalf("GetSessionContext failed: %v", err)
	}
	if second.IsNewSession {
		t.Error("expected second lookup to reuse the session")
	}
	if second.Session.ID != first.Session.ID {
		t.Errorf("session ID changed between lookups: %s != %s", second.Session.ID, first.Session.ID)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx, err := store.GetSessionContext("discord", TypeGroup, "chan-1")
	if err != nil {
		t.Fatalf("GetSessionContext failed: %v", err)
	}
	key := ctx.Session.Key

	if err := store.RecordUserMessage(key, "take a look", []providers.MediaImage{
		{MimeType: "image/png", Base64Data: "aGVsbG8="},
	}); err != nil {
		t.Fatalf("RecordUserMessage failed: %v", err)
	}
	if err := store.RecordToolUse(key, "", []providers.ToolCall{
		{ID: "call_1", Type: "function", Name: "read_file", Arguments: map[string]interface{}{"path": "notes.txt"}},
	}); err != nil {
		t.Fatalf("RecordToolUse failed: %v", err)
	}
	if err := store.RecordToolResult(key, "call_1", "file contents"); err != nil {
		t.Fatalf("RecordToolResult failed: %v", err)
	}
	if err := store.RecordAssistantMessage(key, "done"); err != nil {
		t.Fatalf("RecordAssistantMessage failed: %v", err)
	}
	if err := store.FinalizeExchange(key); err != nil {
		t.Fatalf("FinalizeExchange failed: %v", err)
	}

	ctx, err = store.GetSessionContext("discord", TypeGroup, "chan-1")
	if err != nil {
		t.Fatalf("GetSessionContext reload failed: %v", err)
	}
	if ctx.Session.Exchanges != 1 {
		t.Errorf("exchanges = %d, want 1", ctx.Session.Exchanges)
	}
	if len(ctx.History) != 4 {
		t.Fatalf("history length = %d, want 4", len(ctx.History))
	}
	if ctx.History[0].Role != "user" || len(ctx.History[0].Media) != 1 {
		t.Errorf("user turn not restored: %+v", ctx.History[0])
	}
	if len(ctx.History[1].ToolCalls) != 1 || ctx.History[1].ToolCalls[0].Name != "read_file" {
		t.Errorf("tool calls not restored: %+v", ctx.History[1])
	}
	if args := ctx.History[1].ToolCalls[0].Arguments; args["path"] != "notes.txt" {
		t.Errorf("tool call arguments not restored: %+v", args)
	}
	if ctx.History[2].Role != "tool" || ctx.History[2].ToolCallID != "call_1" {
		t.Errorf("tool result not restored: %+v", ctx.History[2])
	}
	if ctx.History[3].Role != "assistant" || ctx.History[3].Content != "done" {
		t.Errorf("assistant turn not restored: %+v", ctx.History[3])
	}
}

func TestReplaceHistory(t *testing.T) {
	store := newTestStore(t)
	ctx, err := store.GetSessionContext("slack", TypeDM, "U123")
	if err != nil {
		t.Fatalf("GetSessionContext failed: %v", err)
	}
	key := ctx.Session.Key

	for i := 0; i < 5; i++ {
		if err := store.RecordUserMessage(key, "msg", nil); err != nil {
			t.Fatalf("RecordUserMessage failed: %v", err)
		}
	}
	replacement := []providers.Message{
		{Role: "assistant", Content: "summary of earlier conversation"},
		{Role: "user", Content: "latest question"},
	}
	if err := store.ReplaceHistory(key, replacement); err != nil {
		t.Fatalf("ReplaceHistory failed: %v", err)
	}

	ctx, err = store.GetSessionContext("slack", TypeDM, "U123")
	if err != nil {
		t.Fatalf("GetSessionContext reload failed: %v", err)
	}
	if len(ctx.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(ctx.History))
	}
	if ctx.History[0].Content != "summary of earlier conversation" {
		t.Errorf("unexpected first entry: %+v", ctx.History[0])
	}
}

func TestHandleSlashCommand(t *testing.T) {
	store := newTestStore(t)
	ctx, err := store.GetSessionContext("cli", TypeDM, "direct")
	if err != nil {
		t.Fatalf("GetSessionContext failed: %v", err)
	}
	sess := ctx.Session

	var setModel string
	hooks := Hooks{
		CurrentModel: func() string { return "claude-sonnet-4-5" },
		SetModel:     func(m string) error { setModel = m; return nil },
		UsageSummary: func(key string) string { return "usage for " + key },
	}

	handled, resp := store.HandleSlashCommand("/help", sess, hooks)
	if !handled || resp == "" {
		t.Errorf("/help: handled=%v resp=%q", handled, resp)
	}

	handled, _ = store.HandleSlashCommand("hello there", sess, hooks)
	if handled {
		t.Error("plain text should not be handled as a command")
	}

	handled, _ = store.HandleSlashCommand("/definitely-not-a-command", sess, hooks)
	if handled {
		t.Error("unknown slash prefix should fall through to the model")
	}

	handled, resp = store.HandleSlashCommand("/model", sess, hooks)
	if !handled || resp != "Current model: claude-sonnet-4-5" {
		t.Errorf("/model: handled=%v resp=%q", handled, resp)
	}

	handled, _ = store.HandleSlashCommand("/model gpt-4.1", sess, hooks)
	if !handled || setModel != "gpt-4.1" {
		t.Errorf("/model <name>: handled=%v setModel=%q", handled, setModel)
	}

	handled, resp = store.HandleSlashCommand("/usage", sess, hooks)
	if !handled || resp != "usage for cli:dm:direct" {
		t.Errorf("/usage: handled=%v resp=%q", handled, resp)
	}
}

func TestNewCommandClearsHistory(t *testing.T) {
	store := newTestStore(t)
	ctx, err := store.GetSessionContext("telegram", TypeDM, "7")
	if err != nil {
		t.Fatalf("GetSessionContext failed: %v", err)
	}
	key := ctx.Session.Key

	if err := store.RecordUserMessage(key, "remember this", nil); err != nil {
		t.Fatalf("RecordUserMessage failed: %v", err)
	}

	handled, _ := store.HandleSlashCommand("/new", ctx.Session, Hooks{})
	if !handled {
		t.Fatal("/new should be handled")
	}

	ctx, err = store.GetSessionContext("telegram", TypeDM, "7")
	if err != nil {
		t.Fatalf("GetSessionContext reload failed: %v", err)
	}
	if len(ctx.History) != 0 {
		t.Errorf("history should be empty after /new, got %d entries", len(ctx.History))
	}
}
