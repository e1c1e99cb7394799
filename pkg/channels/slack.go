package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/utils"
)

// SlackChannel serves a Slack bot over Socket Mode, so no public
// endpoint is needed.
type SlackChannel struct {
	*BaseChannel
	api    *slack.Client
	socket *socketmode.Client
	config config.SlackConfig
	botID  string
}

func NewSlackChannel(cfg config.SlackConfig, processor *agent.Processor) (*SlackChannel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack needs both bot_token and app_token")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", processor, cfg.AllowFrom),
		api:         api,
		socket:      socketmode.New(api),
		config:      cfg,
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	logger.InfoC("slack", "Starting Slack bot (socket mode)...")

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botID = auth.UserID

	go c.eventLoop(ctx)
	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("slack", "Socket mode stopped", map[string]interface{}{"error": err.Error()})
		}
		c.setRunning(false)
	}()

	c.setRunning(true)
	logger.InfoCF("slack", "Slack bot connected", map[string]interface{}{"bot_id": c.botID})
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	logger.InfoC("slack", "Stopping Slack bot...")
	c.setRunning(false)
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				c.socket.Ack(*evt.Request)
			}
			c.handleEvent(ctx, apiEvent)
		}
	}
}

func (c *SlackChannel) handleEvent(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Ignore our own messages and edits/joins carried as subtypes.
	if ev.User == "" || ev.User == c.botID || ev.BotID != "" || ev.SubType != "" {
		return
	}

	isDM := strings.HasPrefix(ev.Channel, "D")
	if !isDM && !strings.Contains(ev.Text, "<@"+c.botID+">") {
		return
	}

	if !c.IsAllowed(ev.User) {
		logger.DebugCF("slack", "Message rejected by allowlist", map[string]interface{}{"user": ev.User})
		return
	}

	content := strings.TrimSpace(strings.ReplaceAll(ev.Text, "<@"+c.botID+">", ""))
	if content == "" {
		content = "[empty message]"
	}

	logger.DebugCF("slack", "Received message", map[string]interface{}{
		"user":    ev.User,
		"channel": ev.Channel,
		"preview": utils.Truncate(content, 50),
	})

	c.Dispatch(ctx, agent.Request{
		Channel:   "slack",
		SenderID:  ev.User,
		Content:   content,
		IsGroup:   !isDM,
		Callbacks: c.callbacks(ctx, ev.Channel),
	})
}

// NotifyText delivers out-of-band text, e.g. heartbeat results.
func (c *SlackChannel) NotifyText(channelID, text string) error {
	_, _, err := c.api.PostMessage(channelID, slack.MsgOptionText(text, false))
	return err
}

func (c *SlackChannel) callbacks(ctx context.Context, channelID string) agent.Callbacks {
	upload := func(path, caption string) error {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat file: %w", err)
		}
		_, err = c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:        channelID,
			File:           path,
			Filename:       filepath.Base(path),
			FileSize:       int(info.Size()),
			InitialComment: caption,
		})
		return err
	}
	return agent.Callbacks{
		SendText: func(text string) error {
			_, _, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
			return err
		},
		SendImage:    upload,
		SendDocument: upload,
	}
}
