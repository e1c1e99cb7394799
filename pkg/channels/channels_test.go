package channels

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/artifacts"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/memory"
	"github.com/openwhale/openwhale/pkg/providers"
	"github.com/openwhale/openwhale/pkg/session"
	"github.com/openwhale/openwhale/pkg/skills"
	"github.com/openwhale/openwhale/pkg/tools"
	"github.com/openwhale/openwhale/pkg/usage"
)

// staticProvider answers every chat with the same text.
type staticProvider struct {
	reply string
}

func (p *staticProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{Content: p.reply, FinishReason: "stop"}, nil
}

func (p *staticProvider) ChatStream(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]interface{}, handler providers.StreamHandler) (*providers.LLMResponse, error) {
	return p.Chat(ctx, messages, defs, model, options)
}

func (p *staticProvider) GetDefaultModel() string { return "claude-test" }

func newTestProcessor(t *testing.T, reply string) *agent.Processor {
	t.Helper()
	dir := t.TempDir()

	reg := providers.NewRegistry("claude-test")
	reg.RegisterProvider("anthropic", &staticProvider{reply: reply})

	sessions, err := session.NewStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	cfg := &config.Config{}
	cfg.Agent.Workspace = dir
	cfg.Agent.MaxToolIterations = 5
	cfg.Agent.ContextWindow = 200000

	return agent.NewProcessor(cfg, reg, tools.NewRegistry(), skills.NewRegistry(),
		sessions, memory.NewStore(dir), usage.NewStore(dir), artifacts.NewStore(dir),
		skills.NewLoader())
}

func TestBaseChannelAllowlist(t *testing.T) {
	cases := []struct {
		name      string
		allowFrom []string
		ids       []string
		want      bool
	}{
		{"empty list admits everyone", nil, []string{"12345"}, true},
		{"listed id admitted", []string{"12345"}, []string{"12345"}, true},
		{"any matching alias admitted", []string{"alice"}, []string{"99", "alice"}, true},
		{"unlisted id rejected", []string{"12345"}, []string{"99999"}, false},
		{"empty id never matches", []string{""}, []string{""}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBaseChannel("test", nil, tc.allowFrom)
			if got := b.IsAllowed(tc.ids...); got != tc.want {
				t.Fatalf("IsAllowed(%v) = %v, want %v", tc.ids, got, tc.want)
			}
		})
	}
}

func TestTwitterPollRepliesToMentions(t *testing.T) {
	var mu sync.Mutex
	var postedBody map[string]interface{}
	posted := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/mentions"):
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{
					{"id": "100", "text": "@whale what's up", "author_id": "u42"},
				},
			})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/tweets"):
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			json.Unmarshal(data, &postedBody)
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"data":{"id":"101"}}`)
			select {
			case posted <- struct{}{}:
			default:
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tw := NewTwitterChannel(config.TwitterConfig{BearerToken: "t"}, newTestProcessor(t, "not much"))
	tw.apiBase = srv.URL
	tw.userID = "self"

	if err := tw.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	select {
	case <-posted:
	case <-time.After(5 * time.Second):
		t.Fatal("no reply tweet was posted")
	}

	mu.Lock()
	defer mu.Unlock()
	if postedBody["text"] != "not much" {
		t.Fatalf("reply text = %v", postedBody["text"])
	}
	reply, ok := postedBody["reply"].(map[string]interface{})
	if !ok || reply["in_reply_to_tweet_id"] != "100" {
		t.Fatalf("reply threading = %v", postedBody["reply"])
	}
	if tw.lastSeenID != "100" {
		t.Fatalf("lastSeenID = %q", tw.lastSeenID)
	}
}

func TestWebSocketConversation(t *testing.T) {
	c := NewWebChannel(config.WebConfig{}, newTestProcessor(t, "hello from the model"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.handleSocket(context.Background(), w, r)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(webFrame{Type: "message", Text: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame webFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "text" || frame.Text != "hello from the model" {
		t.Fatalf("frame = %+v", frame)
	}
}
