package channels

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/providers"
	"github.com/openwhale/openwhale/pkg/utils"
)

const whatsappReconnectDelay = 5 * time.Second

// whatsappFrame is the JSON envelope spoken with the Node bridge in
// both directions.
type whatsappFrame struct {
	Type       string `json:"type"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text,omitempty"`
	Caption    string `json:"caption,omitempty"`
	IsGroup    bool   `json:"is_group,omitempty"`
	Filename   string `json:"filename,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	Base64     string `json:"base64,omitempty"`
}

// WhatsAppChannel talks to a local whatsapp-web.js bridge process over
// a websocket. The bridge owns the WhatsApp session; this side only
// exchanges JSON frames.
type WhatsAppChannel struct {
	*BaseChannel
	config config.WhatsAppConfig

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, processor *agent.Processor) *WhatsAppChannel {
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", processor, cfg.AllowFrom),
		config:      cfg,
	}
}

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	logger.InfoCF("whatsapp", "Starting WhatsApp bridge client", map[string]interface{}{
		"bridge_url": c.config.BridgeURL,
	})
	c.setRunning(true)
	go c.connectLoop(ctx)
	return nil
}

func (c *WhatsAppChannel) Stop(ctx context.Context) error {
	logger.InfoC("whatsapp", "Stopping WhatsApp bridge client...")
	c.setRunning(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// connectLoop keeps one bridge connection alive, reconnecting with a
// fixed delay whenever it drops.
func (c *WhatsAppChannel) connectLoop(ctx context.Context) {
	for c.IsRunning() {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.BridgeURL, nil)
		if err != nil {
			logger.WarnCF("whatsapp", "Bridge connection failed, retrying", map[string]interface{}{
				"error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(whatsappReconnectDelay):
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		logger.InfoC("whatsapp", "Connected to WhatsApp bridge")

		c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *WhatsAppChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame whatsappFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil && c.IsRunning() {
				logger.WarnCF("whatsapp", "Bridge read failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		if frame.Type != "message" {
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *WhatsAppChannel) handleFrame(ctx context.Context, frame whatsappFrame) {
	if !c.IsAllowed(frame.From, frame.SenderName) {
		logger.DebugCF("whatsapp", "Message rejected by allowlist", map[string]interface{}{"from": frame.From})
		return
	}

	content := frame.Text
	var media []providers.MediaImage
	if frame.Base64 != "" && frame.MimeType != "" {
		media = append(media, providers.MediaImage{MimeType: frame.MimeType, Base64Data: frame.Base64})
		if content != "" {
			content += "\n"
		}
		content += "[image: attachment]"
	}
	if content == "" {
		content = "[empty message]"
	}

	logger.DebugCF("whatsapp", "Received message", map[string]interface{}{
		"from":    frame.From,
		"preview": utils.Truncate(content, 50),
	})

	c.Dispatch(ctx, agent.Request{
		Channel:    "whatsapp",
		SenderID:   frame.From,
		SenderName: frame.SenderName,
		Content:    content,
		Media:      media,
		IsGroup:    frame.IsGroup,
		Callbacks:  c.callbacks(frame.From),
	})
}

func (c *WhatsAppChannel) writeFrame(frame whatsappFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WhatsAppChannel) callbacks(to string) agent.Callbacks {
	sendFile := func(frameType string) func(path, caption string) error {
		return func(path, caption string) error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			return c.writeFrame(whatsappFrame{
				Type:     frameType,
				To:       to,
				Caption:  caption,
				Filename: filepath.Base(path),
				MimeType: utils.DetectMimeType(path),
				Base64:   base64.StdEncoding.EncodeToString(data),
			})
		}
	}
	return agent.Callbacks{
		SendText: func(text string) error {
			return c.writeFrame(whatsappFrame{Type: "text", To: to, Text: text})
		},
		SendImage:    sendFile("image"),
		SendDocument: sendFile("document"),
	}
}
