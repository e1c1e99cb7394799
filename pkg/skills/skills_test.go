package skills

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/tools"
)

type stubSkill struct {
	name  string
	ready bool
	tool  tools.Tool
}

func (s *stubSkill) Name() string        { return s.name }
func (s *stubSkill) Description() string { return "stub skill" }
func (s *stubSkill) Ready() bool         { return s.ready }
func (s *stubSkill) Tools() []tools.Tool { return []tools.Tool{s.tool} }

type noopTool struct{ name string }

func (t *noopTool) Name() string        { return t.name }
func (t *noopTool) Description() string { return "noop" }
func (t *noopTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *noopTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	return tools.SilentResult("ok")
}

func TestRegistryOmitsNotReadySkills(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubSkill{name: "ready", ready: true, tool: &noopTool{name: "a"}})
	reg.Register(&stubSkill{name: "missing-creds", ready: false, tool: &noopTool{name: "b"}})

	ready := reg.ReadyTools()
	if len(ready) != 1 || ready[0].Name() != "a" {
		t.Fatalf("ReadyTools = %v", ready)
	}

	summary := reg.Summary()
	if !strings.Contains(summary, "ready") || strings.Contains(summary, "missing-creds") {
		t.Errorf("summary should list only ready skills: %q", summary)
	}
}

func TestLoaderParsesFrontmatter(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "weather")
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	doc := "---\nname: weather\ndescription: Check the forecast\nversion: \"1.0\"\n---\n\n# Weather\n\nInstructions here.\n"
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(doc), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	loader := NewLoader(dir)
	loaded := loader.Load()
	if len(loaded) != 1 {
		t.Fatalf("loaded %d skills", len(loaded))
	}
	if loaded[0].Manifest.Name != "weather" || loaded[0].Manifest.Description != "Check the forecast" {
		t.Errorf("manifest = %+v", loaded[0].Manifest)
	}

	summary := loader.BuildSummary()
	if !strings.Contains(summary, "weather") || !strings.Contains(summary, "SKILL.md") {
		t.Errorf("summary = %q", summary)
	}
}

func TestLoaderSkipsDuplicateNames(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	for _, dir := range []string{first, second} {
		skillDir := filepath.Join(dir, "notes")
		if err := os.MkdirAll(skillDir, 0755); err != nil {
			t.Fatalf("setup: %v", err)
		}
		doc := "---\nname: notes\ndescription: from " + dir + "\n---\nbody\n"
		if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(doc), 0644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	loaded := NewLoader(first, second).Load()
	if len(loaded) != 1 {
		t.Fatalf("loaded %d skills, want 1", len(loaded))
	}
	if !strings.Contains(loaded[0].Manifest.Description, first) {
		t.Errorf("first directory should win: %+v", loaded[0].Manifest)
	}
}

func TestTechNewsFetchesAndCaches(t *testing.T) {
	feed := `<?xml version="1.0"?>
<rss version="2.0"><channel>
<item><title>Big launch</title><link>https://example.com/1</link></item>
<item><title>Another story</title><link>https://example.com/2</link></item>
</channel></rss>`

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(feed))
	}))
	defer srv.Close()

	skill := NewTechNewsSkill(config.TechNewsConfig{Enabled: true, MaxStories: 10}, t.TempDir())
	skill.feedURL = srv.URL

	tool := skill.Tools()[0]
	result := tool.Execute(context.Background(), map[string]interface{}{"count": float64(1)})
	if result.IsError {
		t.Fatalf("fetch failed: %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "Big launch") || strings.Contains(result.ForLLM, "Another story") {
		t.Errorf("unexpected stories: %q", result.ForLLM)
	}

	// Second call should hit the cache.
	result = tool.Execute(context.Background(), map[string]interface{}{})
	if result.IsError {
		t.Fatalf("cached fetch failed: %s", result.ForLLM)
	}
	if calls != 1 {
		t.Errorf("feed fetched %d times, want 1", calls)
	}
}

func TestTRMNLRejectsOversizedPayload(t *testing.T) {
	skill := NewTRMNLSkill(config.TRMNLConfig{APIKey: "k", PluginID: "p"})
	tool := skill.Tools()[0]

	result := tool.Execute(context.Background(), map[string]interface{}{
		"content": strings.Repeat("x", trmnlPlusLimit+1),
	})
	if !result.IsError {
		t.Fatal("oversized payload should be rejected")
	}
	if !strings.Contains(result.ForLLM, "limit") {
		t.Errorf("error should mention the limit: %q", result.ForLLM)
	}
}

func TestTRMNLPostsPayload(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	skill := NewTRMNLSkill(config.TRMNLConfig{APIKey: "secret", PluginID: "p1"})
	skill.baseURL = srv.URL

	result := skill.Tools()[0].Execute(context.Background(), map[string]interface{}{
		"content": "<div>hello</div>",
	})
	if result.IsError {
		t.Fatalf("display failed: %s", result.ForLLM)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if !strings.Contains(gotBody, "merge_variables") || !strings.Contains(gotBody, "hello") {
		t.Errorf("body = %q", gotBody)
	}
}

func TestNiriNotReadyWithoutSocket(t *testing.T) {
	skill := NewNiriSkill(config.NiriConfig{SocketPath: filepath.Join(t.TempDir(), "missing.sock")})
	if skill.Ready() {
		t.Error("skill should not be ready without a socket")
	}
}

func TestNiriRequestRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "niri.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		if strings.TrimSpace(string(buf[:n])) == `"Windows"` {
			conn.Write([]byte(`{"Ok":{"Windows":[]}}` + "\n"))
		} else {
			conn.Write([]byte(`{"Err":"unexpected"}` + "\n"))
		}
	}()

	skill := NewNiriSkill(config.NiriConfig{SocketPath: sockPath})
	if !skill.Ready() {
		t.Fatal("skill should be ready with a live socket")
	}

	result := skill.Tools()[0].Execute(context.Background(), map[string]interface{}{
		"request": "Windows",
	})
	if result.IsError {
		t.Fatalf("request failed: %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, `"Windows"`) {
		t.Errorf("reply = %q", result.ForLLM)
	}
}

func TestZohoReadyRequiresAllCredentials(t *testing.T) {
	skill := NewZohoMailSkill(config.ZohoMailConfig{ClientID: "id", ClientSecret: "sec"})
	if skill.Ready() {
		t.Error("skill should not be ready without refresh token and account id")
	}
	skill = NewZohoMailSkill(config.ZohoMailConfig{
		ClientID: "id", ClientSecret: "sec", RefreshToken: "rt", AccountID: "acc",
	})
	if !skill.Ready() {
		t.Error("skill should be ready with full credentials")
	}
	if len(skill.Tools()) != 2 {
		t.Errorf("zoho should expose 2 tools, got %d", len(skill.Tools()))
	}
}

func TestVisionReadyFallsBackToEnvKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	skill := NewVisionSkill(config.VisionConfig{}, t.TempDir())
	if skill.Ready() {
		t.Fatal("skill without an API key should not be ready")
	}

	t.Setenv("GEMINI_API_KEY", "env-key")
	if !skill.Ready() {
		t.Fatal("GEMINI_API_KEY should make the skill ready")
	}
}

func TestVisionAnalyzeRendersSandboxTranscript(t *testing.T) {
	var gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[
			{"executableCode":{"code":"print(2+2)"}},
			{"codeExecutionResult":{"output":"4"}},
			{"text":"There are 4 windows."}
		]}}]}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "shot.png")
	if err := os.WriteFile(imgPath, []byte("not-really-a-png"), 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	skill := NewVisionSkill(config.VisionConfig{APIKey: "vk", Model: "gemini-test"}, dir)
	skill.baseURL = srv.URL

	result := skill.Tools()[0].Execute(context.Background(), map[string]interface{}{
		"path":   imgPath,
		"prompt": "count the windows",
	})
	if result.IsError {
		t.Fatalf("analyze failed: %s", result.ForLLM)
	}
	if gotKey != "vk" {
		t.Errorf("api key header = %q", gotKey)
	}
	if !strings.Contains(gotBody, "count the windows") || !strings.Contains(gotBody, "code_execution") {
		t.Errorf("request body = %q", gotBody)
	}
	for _, want := range []string{"print(2+2)", "Sandbox output", "There are 4 windows."} {
		if !strings.Contains(result.ForLLM, want) {
			t.Errorf("transcript missing %q: %q", want, result.ForLLM)
		}
	}
}

func TestVisionAnalyzeSavesGeneratedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[
			{"text":"annotated"},
			{"inlineData":{"mimeType":"image/png","data":"aGVsbG8="}}
		]}}]}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "in.jpg")
	if err := os.WriteFile(imgPath, []byte("jpg"), 0644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	skill := NewVisionSkill(config.VisionConfig{APIKey: "vk"}, dir)
	skill.baseURL = srv.URL

	result := skill.Tools()[0].Execute(context.Background(), map[string]interface{}{
		"path":   imgPath,
		"prompt": "annotate it",
	})
	if result.IsError {
		t.Fatalf("analyze failed: %s", result.ForLLM)
	}
	saved := result.Metadata[tools.MetaArtifactPath]
	if result.Metadata[tools.MetaArtifactKind] != tools.ArtifactImage || saved == "" {
		t.Fatalf("metadata = %v", result.Metadata)
	}
	data, err := os.ReadFile(saved)
	if err != nil {
		t.Fatalf("read saved image: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("saved image content = %q", data)
	}
}

func TestVisionAnalyzeRejectsMissingImage(t *testing.T) {
	skill := NewVisionSkill(config.VisionConfig{APIKey: "vk"}, t.TempDir())
	result := skill.Tools()[0].Execute(context.Background(), map[string]interface{}{
		"path":   "/nonexistent/x.png",
		"prompt": "look",
	})
	if !result.IsError {
		t.Fatal("missing image should be an error result")
	}
}
