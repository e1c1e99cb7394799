package channels

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/providers"
	"github.com/openwhale/openwhale/pkg/utils"
)

// TelegramChannel serves a Telegram bot via long polling.
type TelegramChannel struct {
	*BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig
}

func NewTelegramChannel(cfg config.TelegramConfig, processor *agent.Processor) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", processor, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)...")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	c.setRunning(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username": c.bot.Username(),
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					logger.InfoC("telegram", "Updates channel closed")
					c.setRunning(false)
					return
				}
				if update.Message != nil {
					c.handleMessage(ctx, update)
				}
			}
		}
	}()

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot...")
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	user := message.From
	if user == nil {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	if !c.IsAllowed(userID, user.Username) {
		logger.DebugCF("telegram", "Message rejected by allowlist", map[string]interface{}{
			"user_id":  userID,
			"username": user.Username,
		})
		return
	}

	chatID := message.Chat.ID
	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	var media []providers.MediaImage
	if len(message.Photo) > 0 {
		// Telegram sends multiple resolutions; the last is the largest.
		photo := message.Photo[len(message.Photo)-1]
		if img, ok := c.downloadPhoto(ctx, photo.FileID); ok {
			media = append(media, img)
			if content != "" {
				content += "\n"
			}
			content += "[image: photo]"
		}
	}

	if content == "" {
		content = "[empty message]"
	}

	logger.DebugCF("telegram", "Received message", map[string]interface{}{
		"sender_id": userID,
		"chat_id":   chatID,
		"preview":   utils.Truncate(content, 50),
	})

	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		logger.DebugCF("telegram", "Failed to send chat action", map[string]interface{}{"error": err.Error()})
	}

	c.Dispatch(ctx, agent.Request{
		Channel:    "telegram",
		SenderID:   userID,
		SenderName: user.Username,
		Content:    content,
		Media:      media,
		IsGroup:    message.Chat.Type != "private",
		Callbacks:  c.callbacks(ctx, chatID),
	})
}

func (c *TelegramChannel) callbacks(ctx context.Context, chatID int64) agent.Callbacks {
	return agent.Callbacks{
		SendText: func(text string) error {
			_, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
			return err
		},
		SendImage: func(path, caption string) error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			defer f.Close()
			params := tu.Photo(tu.ID(chatID), tu.File(f))
			if caption != "" {
				params = params.WithCaption(caption)
			}
			_, err = c.bot.SendPhoto(ctx, params)
			return err
		},
		SendDocument: func(path, caption string) error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open document: %w", err)
			}
			defer f.Close()
			params := tu.Document(tu.ID(chatID), tu.File(f))
			if caption != "" {
				params = params.WithCaption(caption)
			}
			_, err = c.bot.SendDocument(ctx, params)
			return err
		},
	}
}

// NotifyText delivers out-of-band text, e.g. heartbeat results.
func (c *TelegramChannel) NotifyText(chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	_, err = c.bot.SendMessage(context.Background(), tu.Message(tu.ID(id), text))
	return err
}

func (c *TelegramChannel) downloadPhoto(ctx context.Context, fileID string) (providers.MediaImage, bool) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		logger.WarnCF("telegram", "Failed to resolve photo file", map[string]interface{}{"error": err.Error()})
		return providers.MediaImage{}, false
	}
	if file.FilePath == "" {
		return providers.MediaImage{}, false
	}

	url := c.bot.FileDownloadURL(file.FilePath)
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		logger.WarnCF("telegram", "Photo download failed", map[string]interface{}{"error": err.Error()})
		return providers.MediaImage{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.WarnCF("telegram", "Photo download failed", map[string]interface{}{"status": resp.StatusCode})
		return providers.MediaImage{}, false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return providers.MediaImage{}, false
	}

	mimeType := utils.DetectImageMimeType(file.FilePath)
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return providers.MediaImage{
		MimeType:   mimeType,
		Base64Data: base64.StdEncoding.EncodeToString(data),
	}, true
}
