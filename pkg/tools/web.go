package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/openwhale/openwhale/pkg/utils"
)

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// WebFetchTool fetches a URL and returns readable text. HTML is reduced
// to plain text; everything else comes back as-is, capped at maxChars.
type WebFetchTool struct {
	client   *http.Client
	maxChars int
}

func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = 50000
	}
	return &WebFetchTool{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxChars: maxChars,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its content as text. HTML pages are stripped to readable text."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to fetch (http or https)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	url := strings.TrimSpace(stringArg(args, "url"))
	if url == "" {
		return ErrorResult("url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ErrorResult("url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ErrorResult("building request: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; OpenWhale/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult("fetching %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ErrorResult("fetching %s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return ErrorResult("reading response: %v", err)
	}

	content := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		content = htmlToText(content)
	}
	content = utils.Truncate(content, t.maxChars)

	return &ToolResult{
		ForLLM: fmt.Sprintf("Content from %s:\n\n%s", url, content),
		Silent: true,
	}
}

func htmlToText(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	).Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return blankRe.ReplaceAllString(strings.Join(kept, "\n"), "\n\n")
}
