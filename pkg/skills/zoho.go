package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/tools"
)

const (
	zohoTokenURL    = "https://accounts.zoho.com/oauth/v2/token"
	zohoMailBaseURL = "https://mail.zoho.com/api"
)

// ZohoMailSkill reads and sends email through the Zoho Mail REST API,
// authenticating with a long-lived OAuth2 refresh token.
type ZohoMailSkill struct {
	cfg     config.ZohoMailConfig
	baseURL string
	oauth   *oauth2.Config
}

func NewZohoMailSkill(cfg config.ZohoMailConfig) *ZohoMailSkill {
	return &ZohoMailSkill{
		cfg:     cfg,
		baseURL: zohoMailBaseURL,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: zohoTokenURL},
		},
	}
}

func (s *ZohoMailSkill) Name() string { return "zoho_email" }

func (s *ZohoMailSkill) Description() string {
	return "Read recent email and send messages through the user's Zoho Mail account."
}

func (s *ZohoMailSkill) Ready() bool {
	return s.cfg.ClientID != "" && s.cfg.ClientSecret != "" &&
		s.cfg.RefreshToken != "" && s.cfg.AccountID != ""
}

func (s *ZohoMailSkill) Tools() []tools.Tool {
	return []tools.Tool{
		&zohoListTool{skill: s},
		&zohoSendTool{skill: s},
	}
}

// httpClient returns a client that refreshes the access token as needed.
func (s *ZohoMailSkill) httpClient(ctx context.Context) *http.Client {
	source := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: s.cfg.RefreshToken})
	return oauth2.NewClient(ctx, source)
}

func (s *ZohoMailSkill) apiURL(path string) string {
	return fmt.Sprintf("%s/accounts/%s%s", s.baseURL, s.cfg.AccountID, path)
}

type zohoListTool struct {
	skill *ZohoMailSkill
}

func (t *zohoListTool) Name() string { return "zoho_list_emails" }

func (t *zohoListTool) Description() string {
	return "List recent emails in the Zoho Mail inbox with sender, subject, and a short summary."
}

func (t *zohoListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Number of messages to list (default 10, max 50)",
			},
		},
	}
}

func (t *zohoListTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	if limit > 50 {
		limit = 50
	}

	url := fmt.Sprintf("%s?limit=%d", t.skill.apiURL("/messages/view"), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return tools.ErrorResult("building request: %v", err)
	}

	resp, err := t.skill.httpClient(ctx).Do(req)
	if err != nil {
		return tools.ErrorResult("calling Zoho Mail: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return tools.ErrorResult("Zoho Mail returned HTTP %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Data []struct {
			Subject      string `json:"subject"`
			FromAddress  string `json:"fromAddress"`
			Sender       string `json:"sender"`
			ReceivedTime string `json:"receivedTime"`
			Summary      string `json:"summary"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tools.ErrorResult("parsing Zoho Mail response: %v", err)
	}
	if len(parsed.Data) == 0 {
		return tools.SilentResult("Inbox is empty.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recent messages:\n", len(parsed.Data))
	for i, m := range parsed.Data {
		from := m.Sender
		if from == "" {
			from = m.FromAddress
		}
		fmt.Fprintf(&sb, "%d. From %s: %s\n", i+1, from, m.Subject)
		if m.Summary != "" {
			fmt.Fprintf(&sb, "   %s\n", m.Summary)
		}
	}
	return tools.SilentResult(sb.String())
}

type zohoSendTool struct {
	skill *ZohoMailSkill
}

func (t *zohoSendTool) Name() string { return "zoho_send_email" }

func (t *zohoSendTool) Description() string {
	return "Send an email from the user's Zoho Mail account."
}

func (t *zohoSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient email address",
			},
			"from": map[string]interface{}{
				"type":        "string",
				"description": "Sender address on the Zoho account",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Email subject",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Email body (plain text or HTML)",
			},
		},
		"required": []string{"to", "from", "subject", "content"},
	}
}

func (t *zohoSendTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	to, _ := args["to"].(string)
	from, _ := args["from"].(string)
	subject, _ := args["subject"].(string)
	content, _ := args["content"].(string)
	if to == "" || from == "" || subject == "" || content == "" {
		return tools.ErrorResult("to, from, subject, and content are all required")
	}

	payload, err := json.Marshal(map[string]string{
		"fromAddress": from,
		"toAddress":   to,
		"subject":     subject,
		"content":     content,
	})
	if err != nil {
		return tools.ErrorResult("encoding message: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.skill.apiURL("/messages"), bytes.NewReader(payload))
	if err != nil {
		return tools.ErrorResult("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.skill.httpClient(ctx).Do(req)
	if err != nil {
		return tools.ErrorResult("calling Zoho Mail: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 400 {
		return tools.ErrorResult("Zoho Mail returned HTTP %d: %s", resp.StatusCode, body)
	}
	return tools.SilentResult(fmt.Sprintf("Email sent to %s.", to))
}
