package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Skills    SkillsConfig    `json:"skills"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Logging   LoggingConfig   `json:"logging"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	Workspace           string              `json:"workspace" env:"OPENWHALE_AGENT_WORKSPACE"`
	RestrictToWorkspace bool                `json:"restrict_to_workspace" env:"OPENWHALE_AGENT_RESTRICT_TO_WORKSPACE"`
	Model               string              `json:"model" env:"OPENWHALE_AGENT_MODEL"`
	FallbackModels      FlexibleStringSlice `json:"fallback_models" env:"OPENWHALE_AGENT_FALLBACK_MODELS"`
	MaxTokens           int                 `json:"max_tokens" env:"OPENWHALE_AGENT_MAX_TOKENS"`
	Temperature         float64             `json:"temperature" env:"OPENWHALE_AGENT_TEMPERATURE"`
	MaxToolIterations   int                 `json:"max_tool_iterations" env:"OPENWHALE_AGENT_MAX_TOOL_ITERATIONS"`
	ContextWindow       int                 `json:"context_window" env:"OPENWHALE_AGENT_CONTEXT_WINDOW"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	Twitter  TwitterConfig  `json:"twitter"`
	Web      WebConfig      `json:"web"`
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled" env:"OPENWHALE_CHANNELS_WHATSAPP_ENABLED"`
	BridgeURL string              `json:"bridge_url" env:"OPENWHALE_CHANNELS_WHATSAPP_BRIDGE_URL"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"OPENWHALE_CHANNELS_WHATSAPP_ALLOW_FROM"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" env:"OPENWHALE_CHANNELS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" env:"OPENWHALE_CHANNELS_TELEGRAM_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"OPENWHALE_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"OPENWHALE_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"OPENWHALE_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"OPENWHALE_CHANNELS_DISCORD_ALLOW_FROM"`
}

type SlackConfig struct {
	Enabled   bool                `json:"enabled" env:"OPENWHALE_CHANNELS_SLACK_ENABLED"`
	BotToken  string              `json:"bot_token" env:"OPENWHALE_CHANNELS_SLACK_BOT_TOKEN"`
	AppToken  string              `json:"app_token" env:"OPENWHALE_CHANNELS_SLACK_APP_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"OPENWHALE_CHANNELS_SLACK_ALLOW_FROM"`
}

type TwitterConfig struct {
	Enabled      bool                `json:"enabled" env:"OPENWHALE_CHANNELS_TWITTER_ENABLED"`
	BearerToken  string              `json:"bearer_token" env:"OPENWHALE_CHANNELS_TWITTER_BEARER_TOKEN"`
	PollInterval int                 `json:"poll_interval" env:"OPENWHALE_CHANNELS_TWITTER_POLL_INTERVAL"` // seconds
	AllowFrom    FlexibleStringSlice `json:"allow_from" env:"OPENWHALE_CHANNELS_TWITTER_ALLOW_FROM"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled" env:"OPENWHALE_CHANNELS_WEB_ENABLED"`
	Host    string `json:"host" env:"OPENWHALE_CHANNELS_WEB_HOST"`
	Port    int    `json:"port" env:"OPENWHALE_CHANNELS_WEB_PORT"`
}

type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	Moonshot   ProviderConfig `json:"moonshot"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
}

type SkillsConfig struct {
	Dir      string         `json:"dir" env:"OPENWHALE_SKILLS_DIR"`
	TechNews TechNewsConfig `json:"technews"`
	TRMNL    TRMNLConfig    `json:"trmnl"`
	Emporia  EmporiaConfig  `json:"emporia"`
	ZohoMail ZohoMailConfig `json:"zoho_mail"`
	Niri     NiriConfig     `json:"niri"`
	Vision   VisionConfig   `json:"vision"`
}

type TechNewsConfig struct {
	Enabled    bool `json:"enabled" env:"OPENWHALE_SKILLS_TECHNEWS_ENABLED"`
	MaxStories int  `json:"max_stories" env:"OPENWHALE_SKILLS_TECHNEWS_MAX_STORIES"`
}

type TRMNLConfig struct {
	APIKey   string `json:"api_key" env:"OPENWHALE_SKILLS_TRMNL_API_KEY"`
	PluginID string `json:"plugin_id" env:"OPENWHALE_SKILLS_TRMNL_PLUGIN_ID"`
}

type EmporiaConfig struct {
	// Host points at the Vue meter's local ESPHome web server.
	Host     string `json:"host" env:"OPENWHALE_SKILLS_EMPORIA_HOST"`
	Password string `json:"password" env:"OPENWHALE_SKILLS_EMPORIA_PASSWORD"`
}

type ZohoMailConfig struct {
	ClientID     string `json:"client_id" env:"OPENWHALE_SKILLS_ZOHO_CLIENT_ID"`
	ClientSecret string `json:"client_secret" env:"OPENWHALE_SKILLS_ZOHO_CLIENT_SECRET"`
	RefreshToken string `json:"refresh_token" env:"OPENWHALE_SKILLS_ZOHO_REFRESH_TOKEN"`
	AccountID    string `json:"account_id" env:"OPENWHALE_SKILLS_ZOHO_ACCOUNT_ID"`
}

type NiriConfig struct {
	SocketPath string `json:"socket_path" env:"OPENWHALE_SKILLS_NIRI_SOCKET_PATH"`
}

type VisionConfig struct {
	APIKey string `json:"api_key" env:"OPENWHALE_SKILLS_VISION_API_KEY"`
	Model  string `json:"model" env:"OPENWHALE_SKILLS_VISION_MODEL"`
}

type HeartbeatConfig struct {
	Enabled bool   `json:"enabled" env:"OPENWHALE_HEARTBEAT_ENABLED"`
	Cron    string `json:"cron" env:"OPENWHALE_HEARTBEAT_CRON"`
	Channel string `json:"channel" env:"OPENWHALE_HEARTBEAT_CHANNEL"`
	ChatID  string `json:"chat_id" env:"OPENWHALE_HEARTBEAT_CHAT_ID"`
}

type LoggingConfig struct {
	Level           string `json:"level" env:"OPENWHALE_LOGGING_LEVEL"`
	FileEnabled     bool   `json:"file_enabled" env:"OPENWHALE_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"OPENWHALE_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"OPENWHALE_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"OPENWHALE_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"OPENWHALE_LOGGING_MAX_SIZE_MB"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:           "~/.openwhale/workspace",
			RestrictToWorkspace: true,
			Model:               "claude-sonnet-4-5",
			MaxTokens:           8192,
			Temperature:         0.7,
			MaxToolIterations:   25,
			ContextWindow:       200000,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{BridgeURL: "ws://localhost:3001", AllowFrom: FlexibleStringSlice{}},
			Telegram: TelegramConfig{AllowFrom: FlexibleStringSlice{}},
			Discord:  DiscordConfig{AllowFrom: FlexibleStringSlice{}},
			Slack:    SlackConfig{AllowFrom: FlexibleStringSlice{}},
			Twitter:  TwitterConfig{PollInterval: 60, AllowFrom: FlexibleStringSlice{}},
			Web:      WebConfig{Host: "0.0.0.0", Port: 18900},
		},
		Skills: SkillsConfig{
			TechNews: TechNewsConfig{Enabled: true, MaxStories: 10},
		},
		Heartbeat: HeartbeatConfig{
			Enabled: false,
			Cron:    "*/30 * * * *",
		},
		Logging: LoggingConfig{
			Level:           "info",
			FileEnabled:     true,
			FilePath:        "~/.openwhale/workspace/openwhale.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	applyProviderEnvOverrides(cfg)
	resolveEnvRefs(cfg)

	return cfg, nil
}

func applyProviderEnvOverrides(cfg *Config) {
	bindings := []struct {
		target *ProviderConfig
		apiKey string
	}{
		{&cfg.Providers.Anthropic, "OPENWHALE_PROVIDERS_ANTHROPIC_API_KEY"},
		{&cfg.Providers.OpenAI, "OPENWHALE_PROVIDERS_OPENAI_API_KEY"},
		{&cfg.Providers.OpenRouter, "OPENWHALE_PROVIDERS_OPENROUTER_API_KEY"},
		{&cfg.Providers.Groq, "OPENWHALE_PROVIDERS_GROQ_API_KEY"},
		{&cfg.Providers.DeepSeek, "OPENWHALE_PROVIDERS_DEEPSEEK_API_KEY"},
		{&cfg.Providers.Moonshot, "OPENWHALE_PROVIDERS_MOONSHOT_API_KEY"},
	}
	for _, b := range bindings {
		if v := strings.TrimSpace(os.Getenv(b.apiKey)); v != "" {
			b.target.APIKey = v
		}
	}
}

func resolveEnvRefs(cfg *Config) {
	providers := []*ProviderConfig{
		&cfg.Providers.Anthropic,
		&cfg.Providers.OpenAI,
		&cfg.Providers.OpenRouter,
		&cfg.Providers.Groq,
		&cfg.Providers.DeepSeek,
		&cfg.Providers.Moonshot,
	}
	for _, p := range providers {
		p.APIKey = resolveEnvRef(p.APIKey)
		p.APIBase = resolveEnvRef(p.APIBase)
	}
	cfg.Channels.Telegram.Token = resolveEnvRef(cfg.Channels.Telegram.Token)
	cfg.Channels.Discord.Token = resolveEnvRef(cfg.Channels.Discord.Token)
	cfg.Channels.Slack.BotToken = resolveEnvRef(cfg.Channels.Slack.BotToken)
	cfg.Channels.Slack.AppToken = resolveEnvRef(cfg.Channels.Slack.AppToken)
	cfg.Channels.Twitter.BearerToken = resolveEnvRef(cfg.Channels.Twitter.BearerToken)
	cfg.Skills.TRMNL.APIKey = resolveEnvRef(cfg.Skills.TRMNL.APIKey)
	cfg.Skills.Vision.APIKey = resolveEnvRef(cfg.Skills.Vision.APIKey)
	cfg.Skills.Emporia.Password = resolveEnvRef(cfg.Skills.Emporia.Password)
	cfg.Skills.ZohoMail.ClientSecret = resolveEnvRef(cfg.Skills.ZohoMail.ClientSecret)
	cfg.Skills.ZohoMail.RefreshToken = resolveEnvRef(cfg.Skills.ZohoMail.RefreshToken)
}

// resolveEnvRef expands "$NAME" or "${NAME}" values against the environment,
// leaving the literal untouched when the variable is unset.
func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		if val, ok := os.LookupEnv(strings.TrimSpace(s[1:])); ok {
			return val
		}
	}
	return v
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agent.Workspace)
}

func (c *Config) SkillsDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Skills.Dir != "" {
		return expandHome(c.Skills.Dir)
	}
	return filepath.Join(expandHome(c.Agent.Workspace), "skills")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
