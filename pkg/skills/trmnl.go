package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/tools"
)

// TRMNL webhook payload limits by plan.
const (
	trmnlFreeLimit = 2048
	trmnlPlusLimit = 5120
)

const trmnlWebhookURL = "https://usr.trmnl.com/api/custom_plugins/%s"

// TRMNLSkill pushes content to a TRMNL e-ink display via its custom
// plugin webhook.
type TRMNLSkill struct {
	cfg     config.TRMNLConfig
	client  *http.Client
	baseURL string
}

func NewTRMNLSkill(cfg config.TRMNLConfig) *TRMNLSkill {
	return &TRMNLSkill{
		cfg:     cfg,
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: fmt.Sprintf(trmnlWebhookURL, cfg.PluginID),
	}
}

func (s *TRMNLSkill) Name() string { return "trmnl" }

func (s *TRMNLSkill) Description() string {
	return "Display content on the user's TRMNL e-ink screen."
}

func (s *TRMNLSkill) Ready() bool {
	return s.cfg.APIKey != "" && s.cfg.PluginID != ""
}

func (s *TRMNLSkill) Tools() []tools.Tool {
	return []tools.Tool{&trmnlDisplayTool{skill: s}}
}

type trmnlDisplayTool struct {
	skill *TRMNLSkill
}

func (t *trmnlDisplayTool) Name() string { return "trmnl_display" }

func (t *trmnlDisplayTool) Description() string {
	return "Push HTML content to the TRMNL e-ink display. Content must stay small: the webhook rejects payloads over 2048 bytes on the free plan."
}

func (t *trmnlDisplayTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "HTML fragment to render on the display",
			},
		},
		"required": []string{"content"},
	}
}

func (t *trmnlDisplayTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	content, _ := args["content"].(string)
	if content == "" {
		return tools.ErrorResult("content is required")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"merge_variables": map[string]string{"content": content},
	})
	if err != nil {
		return tools.ErrorResult("encoding payload: %v", err)
	}

	// Refuse oversized payloads before the webhook does, with a hint
	// about how far over budget the content is.
	if len(payload) > trmnlPlusLimit {
		return tools.ErrorResult(
			"payload is %d bytes, over the %d byte TRMNL+ limit by %d; shorten the content",
			len(payload), trmnlPlusLimit, len(payload)-trmnlPlusLimit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.skill.baseURL, bytes.NewReader(payload))
	if err != nil {
		return tools.ErrorResult("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.skill.cfg.APIKey)

	resp, err := t.skill.client.Do(req)
	if err != nil {
		return tools.ErrorResult("calling TRMNL webhook: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return tools.ErrorResult("TRMNL webhook returned HTTP %d: %s", resp.StatusCode, body)
	}

	note := fmt.Sprintf("Sent %d bytes to the TRMNL display.", len(payload))
	if len(payload) > trmnlFreeLimit {
		note += fmt.Sprintf(" Payload exceeds the free plan limit (%d bytes); requires TRMNL+.", trmnlFreeLimit)
	}
	return tools.SilentResult(note)
}
