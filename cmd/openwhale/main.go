package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/artifacts"
	"github.com/openwhale/openwhale/pkg/channels"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/failover"
	"github.com/openwhale/openwhale/pkg/heartbeat"
	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/memory"
	"github.com/openwhale/openwhale/pkg/providers"
	"github.com/openwhale/openwhale/pkg/session"
	"github.com/openwhale/openwhale/pkg/skills"
	"github.com/openwhale/openwhale/pkg/tools"
	"github.com/openwhale/openwhale/pkg/usage"
)

const defaultConfigPath = "~/.openwhale/config.json"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	flag.Parse()

	cmd := "gateway"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	path := expandPath(*configPath)

	switch cmd {
	case "gateway":
		runGateway(path)
	case "chat":
		runChat(path)
	case "onboard":
		runOnboard(path)
	case "version":
		fmt.Println("openwhale 0.1.0")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\nusage: openwhale [-config path] [gateway|chat|onboard|version]\n", cmd)
		os.Exit(2)
	}
}

func runGateway(configPath string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	rt, err := buildRuntime(cfg)
	if err != nil {
		logger.ErrorC("main", err.Error())
		os.Exit(1)
	}
	defer rt.sessions.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := startChannels(ctx, cfg, rt)
	if len(started) == 0 {
		logger.WarnC("main", "no channels enabled, nothing to do (try `openwhale chat` or enable a channel in the config)")
	}

	if cfg.Heartbeat.Enabled {
		hb := heartbeat.NewService(cfg.Heartbeat, cfg.WorkspacePath(), rt.processor, heartbeatNotify(cfg, started))
		hb.SetProber(rt.failover)
		go hb.Start(ctx)
	}

	logger.InfoCF("main", "gateway running", map[string]any{
		"channels": channelNames(started),
		"model":    cfg.Agent.Model,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.InfoC("main", "shutting down")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	for _, ch := range started {
		if err := ch.Stop(stopCtx); err != nil {
			logger.WarnCF("main", "channel stop failed", map[string]any{"channel": ch.Name(), "error": err.Error()})
		}
	}
}

func runChat(configPath string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// Keep the terminal clean; file logging still applies if enabled.
	cfg.Logging.Level = "warn"
	setupLogging(cfg)

	rt, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer rt.sessions.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	cli := channels.NewCLIChannel(rt.processor)
	if err := cli.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func runOnboard(configPath string) {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("config already exists at %s\n", configPath)
		return
	}

	cfg := config.DefaultConfig()
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create config dir: %v\n", err)
		os.Exit(1)
	}
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		os.Exit(1)
	}

	workspace := cfg.WorkspacePath()
	for _, dir := range []string{workspace, filepath.Join(workspace, "state"), cfg.SkillsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "create workspace: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("wrote %s\n", configPath)
	fmt.Printf("workspace at %s\n", workspace)
	fmt.Println("add an API key (e.g. ANTHROPIC_API_KEY) and run `openwhale gateway` or `openwhale chat`")
}

// runtime bundles everything the gateway and chat commands share.
type runtime struct {
	processor *agent.Processor
	sessions  *session.Store
	failover  *failover.Manager
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	workspace := cfg.WorkspacePath()
	stateDir := filepath.Join(workspace, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	reg, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	toolReg := buildTools(cfg, workspace)
	skillReg, loader := buildSkills(cfg, workspace)

	sessions, err := session.NewStore(filepath.Join(stateDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	mem := memory.NewStore(workspace)
	usageStore := usage.NewStore(workspace)
	artifactStore := artifacts.NewStore(workspace)

	processor := agent.NewProcessor(cfg, reg, toolReg, skillReg, sessions, mem, usageStore, artifactStore, loader)

	fo := failover.NewManager(reg, cfg.Agent.Model, cfg.Agent.FallbackModels, workspace)
	processor.SetFailover(fo)

	return &runtime{processor: processor, sessions: sessions, failover: fo}, nil
}

func buildProviders(cfg *config.Config) (*providers.Registry, error) {
	reg := providers.NewRegistry(cfg.Agent.Model)

	registered := 0
	if cfg.Providers.Anthropic.APIKey != "" {
		reg.RegisterProvider("anthropic", providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase, cfg.Agent.Model))
		registered++
	}
	httpProviders := []struct {
		name string
		cfg  config.ProviderConfig
		base string
	}{
		{"openai", cfg.Providers.OpenAI, "https://api.openai.com/v1"},
		{"openrouter", cfg.Providers.OpenRouter, "https://openrouter.ai/api/v1"},
		{"groq", cfg.Providers.Groq, "https://api.groq.com/openai/v1"},
		{"deepseek", cfg.Providers.DeepSeek, "https://api.deepseek.com/v1"},
		{"moonshot", cfg.Providers.Moonshot, "https://api.moonshot.cn/v1"},
	}
	for _, p := range httpProviders {
		if p.cfg.APIKey == "" {
			continue
		}
		base := p.cfg.APIBase
		if base == "" {
			base = p.base
		}
		reg.RegisterProvider(p.name, providers.NewHTTPProvider(p.cfg.APIKey, base, cfg.Agent.Model))
		registered++
	}
	if registered == 0 {
		return nil, fmt.Errorf("no LLM providers configured, set an API key in the config or environment")
	}
	return reg, nil
}

func buildTools(cfg *config.Config, workspace string) *tools.Registry {
	reg := tools.NewRegistry()
	restrict := cfg.Agent.RestrictToWorkspace

	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewEditFileTool(workspace, restrict))
	reg.Register(tools.NewAppendFileTool(workspace, restrict))
	reg.Register(tools.NewListDirTool(workspace, restrict))
	reg.Register(tools.NewExecTool(workspace, restrict))
	reg.Register(tools.NewWebFetchTool(50000))
	reg.Register(tools.NewScreenshotTool(workspace))
	reg.Register(tools.NewCameraTool(workspace))
	reg.Register(tools.NewBrowserScreenshotTool(workspace))
	if cfg.Logging.FileEnabled && cfg.Logging.FilePath != "" {
		reg.Register(tools.NewDebugLogsTool(expandPath(cfg.Logging.FilePath)))
	}
	return reg
}

func buildSkills(cfg *config.Config, workspace string) (*skills.Registry, *skills.Loader) {
	reg := skills.NewRegistry()

	if cfg.Skills.TechNews.Enabled {
		reg.Register(skills.NewTechNewsSkill(cfg.Skills.TechNews, workspace))
	}
	if cfg.Skills.TRMNL.APIKey != "" {
		reg.Register(skills.NewTRMNLSkill(cfg.Skills.TRMNL))
	}
	if cfg.Skills.Emporia.Host != "" {
		reg.Register(skills.NewEmporiaSkill(cfg.Skills.Emporia))
	}
	if cfg.Skills.ZohoMail.ClientID != "" {
		reg.Register(skills.NewZohoMailSkill(cfg.Skills.ZohoMail))
	}
	if cfg.Skills.Niri.SocketPath != "" {
		reg.Register(skills.NewNiriSkill(cfg.Skills.Niri))
	}
	// Readiness also checks the GEMINI_API_KEY environment variable, so
	// the skill registers unconditionally.
	reg.Register(skills.NewVisionSkill(cfg.Skills.Vision, workspace))

	loader := skills.NewLoader(cfg.SkillsDir(), filepath.Join(workspace, "skills"))
	return reg, loader
}

func startChannels(ctx context.Context, cfg *config.Config, rt *runtime) []channels.Channel {
	var started []channels.Channel

	start := func(name string, ch channels.Channel, err error) {
		if err != nil {
			logger.ErrorCF("main", "channel init failed", map[string]any{"channel": name, "error": err.Error()})
			return
		}
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("main", "channel start failed", map[string]any{"channel": name, "error": err.Error()})
			return
		}
		started = append(started, ch)
	}

	if cfg.Channels.Telegram.Enabled {
		ch, err := channels.NewTelegramChannel(cfg.Channels.Telegram, rt.processor)
		start("telegram", ch, err)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := channels.NewDiscordChannel(cfg.Channels.Discord, rt.processor)
		start("discord", ch, err)
	}
	if cfg.Channels.Slack.Enabled {
		ch, err := channels.NewSlackChannel(cfg.Channels.Slack, rt.processor)
		start("slack", ch, err)
	}
	if cfg.Channels.WhatsApp.Enabled {
		start("whatsapp", channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, rt.processor), nil)
	}
	if cfg.Channels.Twitter.Enabled {
		start("twitter", channels.NewTwitterChannel(cfg.Channels.Twitter, rt.processor), nil)
	}
	if cfg.Channels.Web.Enabled {
		start("web", channels.NewWebChannel(cfg.Channels.Web, rt.processor), nil)
	}

	return started
}

// heartbeatNotify resolves the configured heartbeat target to a running
// channel's out-of-band sender. Falls back to the log when no channel
// can deliver.
func heartbeatNotify(cfg *config.Config, started []channels.Channel) func(string) error {
	target := cfg.Heartbeat.Channel
	chatID := cfg.Heartbeat.ChatID

	for _, ch := range started {
		if ch.Name() != target {
			continue
		}
		switch c := ch.(type) {
		case *channels.TelegramChannel:
			return func(text string) error { return c.NotifyText(chatID, text) }
		case *channels.DiscordChannel:
			return func(text string) error { return c.NotifyText(chatID, text) }
		case *channels.SlackChannel:
			return func(text string) error { return c.NotifyText(chatID, text) }
		}
	}

	return func(text string) error {
		logger.InfoCF("heartbeat", "result", map[string]any{"text": text})
		return nil
	}
}

func channelNames(chs []channels.Channel) []string {
	names := make([]string, 0, len(chs))
	for _, ch := range chs {
		names = append(names, ch.Name())
	}
	return names
}

func setupLogging(cfg *config.Config) {
	logger.SetLevel(parseLevel(cfg.Logging.Level))
	if cfg.Logging.FileEnabled && cfg.Logging.FilePath != "" {
		path := expandPath(cfg.Logging.FilePath)
		if err := logger.EnableFileLogging(path, cfg.Logging.RotationEnabled, cfg.Logging.MaxSizeMB, cfg.Logging.MaxAgeDays); err != nil {
			logger.WarnCF("main", "file logging disabled", map[string]any{"error": err.Error()})
		}
	}
}

func parseLevel(s string) logger.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logger.DEBUG
	case "warn", "warning":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}

func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
