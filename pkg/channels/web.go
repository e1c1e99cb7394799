package channels

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/utils"
)

// webFrame is the JSON envelope between the browser and the server.
type webFrame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Base64   string `json:"base64,omitempty"`
}

// WebChannel serves a local chat page over HTTP plus a websocket for
// the live conversation. Each socket gets its own session.
type WebChannel struct {
	*BaseChannel
	config   config.WebConfig
	server   *http.Server
	upgrader websocket.Upgrader
}

func NewWebChannel(cfg config.WebConfig, processor *agent.Processor) *WebChannel {
	return &WebChannel{
		BaseChannel: NewBaseChannel("web", processor, nil),
		config:      cfg,
		upgrader: websocket.Upgrader{
			// The dashboard binds to localhost by default; anything
			// reaching it is already on the machine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (c *WebChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleIndex)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c.handleSocket(ctx, w, r)
	})

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	c.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	logger.InfoCF("web", "Starting web dashboard", map[string]interface{}{"addr": addr})
	c.setRunning(true)

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("web", "Web server stopped", map[string]interface{}{"error": err.Error()})
		}
		c.setRunning(false)
	}()

	return nil
}

func (c *WebChannel) Stop(ctx context.Context) error {
	logger.InfoC("web", "Stopping web dashboard...")
	c.setRunning(false)
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

func (c *WebChannel) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, webIndexHTML)
}

func (c *WebChannel) handleSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("web", "Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	sessionID := "web-" + uuid.NewString()[:8]
	logger.InfoCF("web", "Dashboard client connected", map[string]interface{}{"session": sessionID})

	var writeMu sync.Mutex
	send := func(frame webFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(frame)
	}

	callbacks := agent.Callbacks{
		SendText: func(text string) error {
			return send(webFrame{Type: "text", Text: text})
		},
		SendImage: func(path, caption string) error {
			return sendWebFile(send, "image", path, caption)
		},
		SendDocument: func(path, caption string) error {
			return sendWebFile(send, "document", path, caption)
		},
	}

	for {
		var frame webFrame
		if err := conn.ReadJSON(&frame); err != nil {
			logger.DebugCF("web", "Dashboard client disconnected", map[string]interface{}{"session": sessionID})
			return
		}
		if frame.Type != "message" || frame.Text == "" {
			continue
		}
		c.Dispatch(ctx, agent.Request{
			Channel:   "web",
			SenderID:  sessionID,
			Content:   frame.Text,
			Callbacks: callbacks,
		})
	}
}

func sendWebFile(send func(webFrame) error, frameType, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return send(webFrame{
		Type:     frameType,
		Caption:  caption,
		Filename: filepath.Base(path),
		MimeType: utils.DetectMimeType(path),
		Base64:   base64.StdEncoding.EncodeToString(data),
	})
}

const webIndexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>OpenWhale</title>
<style>
body { font-family: sans-serif; max-width: 720px; margin: 2rem auto; }
#log { border: 1px solid #ccc; height: 420px; overflow-y: auto; padding: 8px; white-space: pre-wrap; }
.me { color: #06c; }
.bot { color: #222; }
img { max-width: 100%; }
form { display: flex; gap: 8px; margin-top: 8px; }
input { flex: 1; padding: 6px; }
</style>
</head>
<body>
<h2>OpenWhale</h2>
<div id="log"></div>
<form id="f"><input id="t" autocomplete="off" placeholder="Message..."><button>Send</button></form>
<script>
const log = document.getElementById("log");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
function line(cls, text) {
  const d = document.createElement("div");
  d.className = cls;
  d.textContent = text;
  log.appendChild(d);
  log.scrollTop = log.scrollHeight;
}
ws.onmessage = (e) => {
  const m = JSON.parse(e.data);
  if (m.type === "text") line("bot", m.text);
  else if (m.type === "image") {
    const img = document.createElement("img");
    img.src = "data:" + m.mime_type + ";base64," + m.base64;
    log.appendChild(img);
    if (m.caption) line("bot", m.caption);
  } else if (m.type === "document") {
    const a = document.createElement("a");
    a.href = "data:" + m.mime_type + ";base64," + m.base64;
    a.download = m.filename;
    a.textContent = "Download " + m.filename;
    log.appendChild(a);
  }
};
document.getElementById("f").onsubmit = (e) => {
  e.preventDefault();
  const t = document.getElementById("t");
  if (!t.value) return;
  line("me", "> " + t.value);
  ws.send(JSON.stringify({type: "message", text: t.value}));
  t.value = "";
};
</script>
</body>
</html>`
