package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.Model == "" {
		t.Fatal("expected default model")
	}
	if cfg.Agent.MaxToolIterations != 25 {
		t.Fatalf("MaxToolIterations = %d, want 25", cfg.Agent.MaxToolIterations)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"agent": {"model": "gpt-4.1", "max_tokens": 1024, "fallback_models": ["claude-sonnet-4-5"]},
		"channels": {"telegram": {"enabled": true, "token": "tg-token"}}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.Model != "gpt-4.1" {
		t.Fatalf("Model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTokens != 1024 {
		t.Fatalf("MaxTokens = %d", cfg.Agent.MaxTokens)
	}
	if got := []string(cfg.Agent.FallbackModels); len(got) != 1 || got[0] != "claude-sonnet-4-5" {
		t.Fatalf("FallbackModels = %v", got)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-token" {
		t.Fatalf("telegram config not applied: %+v", cfg.Channels.Telegram)
	}
	// Untouched sections keep their defaults.
	if cfg.Agent.MaxToolIterations != 25 {
		t.Fatalf("MaxToolIterations = %d, want default 25", cfg.Agent.MaxToolIterations)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"agent": {"model": "from-file"}}`)
	t.Setenv("OPENWHALE_AGENT_MODEL", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.Model != "from-env" {
		t.Fatalf("Model = %q, want env override", cfg.Agent.Model)
	}
}

func TestLoadConfigProviderKeyFromEnv(t *testing.T) {
	path := writeConfig(t, `{}`)
	t.Setenv("OPENWHALE_PROVIDERS_ANTHROPIC_API_KEY", "sk-ant-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-env" {
		t.Fatalf("APIKey = %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestLoadConfigResolvesEnvRefs(t *testing.T) {
	path := writeConfig(t, `{
		"providers": {"openai": {"api_key": "${MY_OPENAI_KEY}"}},
		"channels": {"discord": {"token": "$MY_DISCORD_TOKEN"}},
		"skills": {"trmnl": {"api_key": "${UNSET_VAR_FOR_TEST}"}}
	}`)
	t.Setenv("MY_OPENAI_KEY", "sk-resolved")
	t.Setenv("MY_DISCORD_TOKEN", "discord-resolved")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-resolved" {
		t.Fatalf("OpenAI key = %q", cfg.Providers.OpenAI.APIKey)
	}
	if cfg.Channels.Discord.Token != "discord-resolved" {
		t.Fatalf("Discord token = %q", cfg.Channels.Discord.Token)
	}
	// Unset refs stay literal so the problem is visible in the config.
	if cfg.Skills.TRMNL.APIKey != "${UNSET_VAR_FOR_TEST}" {
		t.Fatalf("TRMNL key = %q, want literal ref", cfg.Skills.TRMNL.APIKey)
	}
}

func TestFlexibleStringSliceAcceptsNumbers(t *testing.T) {
	path := writeConfig(t, `{
		"channels": {"telegram": {"allow_from": ["alice", 12345, true]}}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	got := []string(cfg.Channels.Telegram.AllowFrom)
	want := []string{"alice", "12345", "true"}
	if len(got) != len(want) {
		t.Fatalf("allow_from = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allow_from[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Agent.Model = "kimi-k2"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Agent.Model != "kimi-k2" {
		t.Fatalf("Model = %q", loaded.Agent.Model)
	}
}

func TestSkillsDirDefaultsUnderWorkspace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.Workspace = "/tmp/ws"
	if got := cfg.SkillsDir(); got != filepath.Join("/tmp/ws", "skills") {
		t.Fatalf("SkillsDir = %q", got)
	}
	cfg.Skills.Dir = "/opt/skills"
	if got := cfg.SkillsDir(); got != "/opt/skills" {
		t.Fatalf("SkillsDir = %q", got)
	}
}
