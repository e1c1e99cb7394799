package skills

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/tools"
)

// NiriSkill talks to the niri Wayland compositor over its IPC socket.
// Protocol is newline-delimited JSON: one request line in, one reply
// line out.
type NiriSkill struct {
	cfg config.NiriConfig
}

func NewNiriSkill(cfg config.NiriConfig) *NiriSkill {
	return &NiriSkill{cfg: cfg}
}

func (s *NiriSkill) Name() string { return "niri" }

func (s *NiriSkill) Description() string {
	return "Query and control the niri Wayland compositor (windows, workspaces, outputs) over its IPC socket."
}

func (s *NiriSkill) socketPath() string {
	if s.cfg.SocketPath != "" {
		return s.cfg.SocketPath
	}
	return os.Getenv("NIRI_SOCKET")
}

func (s *NiriSkill) Ready() bool {
	path := s.socketPath()
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

func (s *NiriSkill) Tools() []tools.Tool {
	return []tools.Tool{&niriMsgTool{skill: s}}
}

// request sends one JSON request line and reads one reply line.
func (s *NiriSkill) request(ctx context.Context, payload string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", s.socketPath())
	if err != nil {
		return "", fmt.Errorf("connect to niri socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	if _, err := conn.Write([]byte(payload)); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 1<<20)
	reply, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

type niriMsgTool struct {
	skill *NiriSkill
}

func (t *niriMsgTool) Name() string { return "niri_msg" }

func (t *niriMsgTool) Description() string {
	return `Send a request to the niri compositor IPC and return its reply. Requests are JSON, e.g. "Windows", "Workspaces", "Outputs", or {"Action":{"FocusWindow":{"id":5}}}. Actions can be destructive; query before you act.`
}

func (t *niriMsgTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"request": map[string]interface{}{
				"type":        "string",
				"description": `JSON request to send, e.g. "Windows" or {"Action":{...}}`,
			},
		},
		"required": []string{"request"},
	}
}

func (t *niriMsgTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	request, _ := args["request"].(string)
	request = strings.TrimSpace(request)
	if request == "" {
		return tools.ErrorResult("request is required")
	}
	// Bare words are valid niri requests once quoted as JSON strings.
	if !strings.HasPrefix(request, "{") && !strings.HasPrefix(request, `"`) {
		request = fmt.Sprintf("%q", request)
	}

	reply, err := t.skill.request(ctx, request)
	if err != nil {
		return tools.ErrorResult("niri IPC: %v", err)
	}
	return tools.SilentResult(reply)
}
