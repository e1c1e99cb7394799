package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/logger"
)

// PromptFile holds the standing instructions for autonomous runs. No
// file means nothing to do, and the tick is skipped quietly.
const PromptFile = "HEARTBEAT.md"

const checkInterval = time.Minute

// Prober is pinged every tick so a degraded model setup can try its
// primary again. Satisfied by the failover manager.
type Prober interface {
	ProbePrimary(ctx context.Context) bool
}

// Service wakes the agent on a cron schedule without any inbound
// message, so it can act on standing instructions.
type Service struct {
	cfg       config.HeartbeatConfig
	workspace string
	processor *agent.Processor
	notify    func(text string) error
	prober    Prober
	cron      *gronx.Gronx
}

// NewService wires a heartbeat. notify carries any output to the
// configured channel; it may be nil to run silently.
func NewService(cfg config.HeartbeatConfig, workspace string, processor *agent.Processor, notify func(text string) error) *Service {
	return &Service{
		cfg:       cfg,
		workspace: workspace,
		processor: processor,
		notify:    notify,
		cron:      gronx.New(),
	}
}

func (s *Service) SetProber(p Prober) { s.prober = p }

// Start blocks until the context ends. Call it on its own goroutine.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		logger.InfoC("heartbeat", "Heartbeat disabled")
		return
	}
	expr := s.cfg.Cron
	if expr == "" {
		expr = "*/30 * * * *"
	}
	if !s.cron.IsValid(expr) {
		logger.ErrorCF("heartbeat", "Invalid cron expression", map[string]interface{}{"cron": expr})
		return
	}
	logger.InfoCF("heartbeat", "Heartbeat started", map[string]interface{}{"cron": expr})

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.prober != nil {
				s.prober.ProbePrimary(ctx)
			}
			due, err := s.cron.IsDue(expr)
			if err != nil {
				logger.WarnCF("heartbeat", "Cron evaluation failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if due {
				s.beat(ctx)
			}
		}
	}
}

func (s *Service) beat(ctx context.Context) {
	prompt, ok := s.loadPrompt()
	if !ok {
		logger.DebugC("heartbeat", "No heartbeat prompt, skipping tick")
		return
	}

	logger.InfoC("heartbeat", "Heartbeat tick")
	res := s.processor.ProcessMessage(ctx, agent.Request{
		Channel:  "heartbeat",
		SenderID: "heartbeat",
		Content:  prompt,
		Callbacks: agent.Callbacks{
			SendText: func(text string) error {
				// HEARTBEAT_OK is the agent saying there is nothing to
				// report; forwarding it would just be noise.
				if s.notify == nil || strings.Contains(text, "HEARTBEAT_OK") {
					return nil
				}
				return s.notify(text)
			},
		},
	})
	if !res.Success {
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		logger.WarnCF("heartbeat", "Heartbeat run failed", map[string]interface{}{"error": errText})
	}
}

func (s *Service) loadPrompt() (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.workspace, PromptFile))
	if err != nil {
		return "", false
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", false
	}
	return "Heartbeat check. Follow these standing instructions; reply HEARTBEAT_OK if there is nothing to report.\n\n" + prompt, true
}
