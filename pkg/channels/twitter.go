package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/utils"
)

const twitterAPIBase = "https://api.twitter.com/2"

// TwitterChannel polls the account's mentions and replies in-thread.
// Twitter carries neither images from the artifact flow nor documents,
// so only the text callback is wired.
type TwitterChannel struct {
	*BaseChannel
	config  config.TwitterConfig
	client  *http.Client
	apiBase string

	userID     string
	lastSeenID string
	pollTicker *time.Ticker
}

type twitterUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type twitterTweet struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	AuthorID string `json:"author_id"`
}

func NewTwitterChannel(cfg config.TwitterConfig, processor *agent.Processor) *TwitterChannel {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken})
	client := oauth2.NewClient(context.Background(), src)
	client.Timeout = 30 * time.Second
	return &TwitterChannel{
		BaseChannel: NewBaseChannel("twitter", processor, cfg.AllowFrom),
		config:      cfg,
		client:      client,
		apiBase:     twitterAPIBase,
	}
}

func (c *TwitterChannel) Start(ctx context.Context) error {
	logger.InfoC("twitter", "Starting Twitter mention polling...")

	me, err := c.lookupSelf(ctx)
	if err != nil {
		return fmt.Errorf("twitter identity lookup: %w", err)
	}
	c.userID = me.ID

	interval := time.Duration(c.config.PollInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	c.pollTicker = time.NewTicker(interval)
	c.setRunning(true)
	logger.InfoCF("twitter", "Twitter channel connected", map[string]interface{}{
		"user_id":  me.ID,
		"username": me.Username,
		"interval": interval.String(),
	})

	go func() {
		defer c.pollTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.pollTicker.C:
				if err := c.poll(ctx); err != nil {
					logger.WarnCF("twitter", "Mention poll failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()

	return nil
}

func (c *TwitterChannel) Stop(ctx context.Context) error {
	logger.InfoC("twitter", "Stopping Twitter channel...")
	c.setRunning(false)
	return nil
}

func (c *TwitterChannel) lookupSelf(ctx context.Context) (*twitterUser, error) {
	var out struct {
		Data twitterUser `json:"data"`
	}
	if err := c.get(ctx, "/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *TwitterChannel) poll(ctx context.Context) error {
	params := url.Values{}
	params.Set("tweet.fields", "author_id")
	params.Set("max_results", "20")
	if c.lastSeenID != "" {
		params.Set("since_id", c.lastSeenID)
	}

	var out struct {
		Data []twitterTweet `json:"data"`
	}
	if err := c.get(ctx, "/users/"+c.userID+"/mentions", params, &out); err != nil {
		return err
	}

	// Newest first in the API; process oldest first so replies land in
	// conversation order.
	for i := len(out.Data) - 1; i >= 0; i-- {
		tweet := out.Data[i]
		if tweet.ID > c.lastSeenID {
			c.lastSeenID = tweet.ID
		}
		c.handleMention(ctx, tweet)
	}
	return nil
}

func (c *TwitterChannel) handleMention(ctx context.Context, tweet twitterTweet) {
	if tweet.AuthorID == c.userID {
		return
	}
	if !c.IsAllowed(tweet.AuthorID) {
		logger.DebugCF("twitter", "Mention rejected by allowlist", map[string]interface{}{"author": tweet.AuthorID})
		return
	}

	logger.DebugCF("twitter", "Received mention", map[string]interface{}{
		"tweet_id": tweet.ID,
		"author":   tweet.AuthorID,
		"preview":  utils.Truncate(tweet.Text, 50),
	})

	replyTo := tweet.ID
	c.Dispatch(ctx, agent.Request{
		Channel:  "twitter",
		SenderID: tweet.AuthorID,
		Content:  tweet.Text,
		IsGroup:  true,
		Callbacks: agent.Callbacks{
			SendText: func(text string) error {
				return c.reply(ctx, replyTo, text)
			},
		},
	})
}

func (c *TwitterChannel) reply(ctx context.Context, tweetID, text string) error {
	payload := map[string]interface{}{
		"text": text,
		"reply": map[string]string{
			"in_reply_to_tweet_id": tweetID,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/tweets", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("post tweet: status %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

func (c *TwitterChannel) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.apiBase + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("twitter API %s: status %d: %s", path, resp.StatusCode, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
