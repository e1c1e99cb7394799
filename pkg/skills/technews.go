package skills

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/tools"
)

const (
	techmemeFeedURL  = "https://www.techmeme.com/feed.xml"
	technewsCacheAge = 2 * time.Hour
)

// TechNewsSkill surfaces top tech stories from the Techmeme RSS feed,
// with a short-lived on-disk cache to keep repeated asks cheap.
type TechNewsSkill struct {
	cfg       config.TechNewsConfig
	cachePath string
	client    *http.Client
	feedURL   string
}

func NewTechNewsSkill(cfg config.TechNewsConfig, workspace string) *TechNewsSkill {
	return &TechNewsSkill{
		cfg:       cfg,
		cachePath: filepath.Join(workspace, "state", "technews_cache.json"),
		client:    &http.Client{Timeout: 20 * time.Second},
		feedURL:   techmemeFeedURL,
	}
}

func (s *TechNewsSkill) Name() string { return "technews" }

func (s *TechNewsSkill) Description() string {
	return "Fetch today's top technology news stories from Techmeme."
}

func (s *TechNewsSkill) Ready() bool { return s.cfg.Enabled }

func (s *TechNewsSkill) Tools() []tools.Tool {
	return []tools.Tool{&techNewsTool{skill: s}}
}

type story struct {
	Title  string `json:"title"`
	Link   string `json:"link"`
	Source string `json:"source"`
}

type rssFeed struct {
	Channel struct {
		Items []struct {
			Title string `xml:"title"`
			Link  string `xml:"link"`
		} `xml:"item"`
	} `xml:"channel"`
}

type technewsCache struct {
	FetchedAt time.Time `json:"fetched_at"`
	Stories   []story   `json:"stories"`
}

func (s *TechNewsSkill) fetch(ctx context.Context, limit int) ([]story, error) {
	if cached := s.loadCache(); cached != nil {
		return capStories(cached, limit), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var stories []story
	for _, item := range feed.Channel.Items {
		title := strings.TrimSpace(item.Title)
		if title == "" {
			continue
		}
		stories = append(stories, story{
			Title:  title,
			Link:   strings.TrimSpace(item.Link),
			Source: "techmeme",
		})
	}
	s.saveCache(stories)
	return capStories(stories, limit), nil
}

func capStories(stories []story, limit int) []story {
	if limit > 0 && len(stories) > limit {
		return stories[:limit]
	}
	return stories
}

func (s *TechNewsSkill) loadCache() []story {
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil
	}
	var c technewsCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	if time.Since(c.FetchedAt) > technewsCacheAge || len(c.Stories) == 0 {
		return nil
	}
	return c.Stories
}

func (s *TechNewsSkill) saveCache(stories []story) {
	c := technewsCache{FetchedAt: time.Now(), Stories: stories}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(s.cachePath), 0755)
	_ = os.WriteFile(s.cachePath, data, 0644)
}

type techNewsTool struct {
	skill *TechNewsSkill
}

func (t *techNewsTool) Name() string { return "technews" }

func (t *techNewsTool) Description() string {
	return "Get the current top technology news headlines with links."
}

func (t *techNewsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"count": map[string]interface{}{
				"type":        "integer",
				"description": "Number of stories to return (default from config, max 30)",
			},
		},
	}
}

func (t *techNewsTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	limit := t.skill.cfg.MaxStories
	if c, ok := args["count"].(float64); ok && c > 0 {
		limit = int(c)
	}
	if limit <= 0 || limit > 30 {
		limit = 10
	}

	stories, err := t.skill.fetch(ctx, limit)
	if err != nil {
		return tools.ErrorResult("fetching tech news: %v", err)
	}
	if len(stories) == 0 {
		return tools.SilentResult("No stories available right now.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Top %d tech stories:\n", len(stories))
	for i, st := range stories {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, st.Title, st.Link)
	}
	return tools.SilentResult(sb.String())
}
