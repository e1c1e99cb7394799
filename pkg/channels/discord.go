package channels

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/providers"
	"github.com/openwhale/openwhale/pkg/utils"
)

// DiscordChannel serves a Discord bot over the gateway. In guild
// channels the bot only reacts when mentioned; DMs always reach it.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
}

func NewDiscordChannel(cfg config.DiscordConfig, processor *agent.Processor) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", processor, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot...")

	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, s, m)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.setRunning(true)
	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"user": c.session.State.User.Username,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot...")
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && !mentionsUser(m.Mentions, s.State.User.ID) {
		return
	}

	if !c.IsAllowed(m.Author.ID, m.Author.Username) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]interface{}{
			"user_id":  m.Author.ID,
			"username": m.Author.Username,
		})
		return
	}

	content := m.ContentWithMentionsReplaced()
	var media []providers.MediaImage
	for _, att := range m.Attachments {
		if !utils.IsImageFile(att.Filename) {
			continue
		}
		if img, ok := downloadImage(att.URL, att.Filename); ok {
			media = append(media, img)
			if content != "" {
				content += "\n"
			}
			content += "[image: attachment]"
		}
	}

	if content == "" {
		content = "[empty message]"
	}

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_id": m.Author.ID,
		"channel":   m.ChannelID,
		"preview":   utils.Truncate(content, 50),
	})

	_ = s.ChannelTyping(m.ChannelID)

	c.Dispatch(ctx, agent.Request{
		Channel:    "discord",
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    content,
		Media:      media,
		IsGroup:    !isDM,
		Callbacks:  c.callbacks(m.ChannelID),
	})
}

func (c *DiscordChannel) callbacks(channelID string) agent.Callbacks {
	sendFile := func(path, caption string) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		defer f.Close()
		_, err = c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: caption,
			Files: []*discordgo.File{{
				Name:        filepath.Base(path),
				ContentType: utils.DetectMimeType(path),
				Reader:      f,
			}},
		})
		return err
	}
	return agent.Callbacks{
		SendText: func(text string) error {
			_, err := c.session.ChannelMessageSend(channelID, text)
			return err
		},
		SendImage:    sendFile,
		SendDocument: sendFile,
	}
}

// NotifyText delivers out-of-band text, e.g. heartbeat results.
func (c *DiscordChannel) NotifyText(channelID, text string) error {
	_, err := c.session.ChannelMessageSend(channelID, text)
	return err
}

func mentionsUser(mentions []*discordgo.User, id string) bool {
	for _, u := range mentions {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

func downloadImage(url, name string) (providers.MediaImage, bool) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		logger.WarnCF("discord", "Attachment download failed", map[string]interface{}{"error": err.Error()})
		return providers.MediaImage{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providers.MediaImage{}, false
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return providers.MediaImage{}, false
	}
	mimeType := utils.DetectImageMimeType(name)
	if mimeType == "" {
		mimeType = "image/png"
	}
	return providers.MediaImage{
		MimeType:   mimeType,
		Base64Data: base64.StdEncoding.EncodeToString(data),
	}, true
}
