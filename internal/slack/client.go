package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

var ErrNotConfigured = errors.New("slack is not configured")

type Config struct {
	APIBase   string
	BotToken  string
	ChannelID string
	Timeout   time.Duration
	Mock      bool
}

// Call is a Web API request recorded in mock mode.
type Call struct {
	Method  string         `json:"method"`
	Payload map[string]any `json:"payload"`
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	calls []Call
}

func New(cfg Config, logger *slog.Logger) *Client {
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = "https://slack.com/api"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		// chat.* methods are tier 3: roughly one call per second per channel.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		logger:  logger.With("component", "slack"),
	}
}

func (c *Client) ChannelID() string {
	return c.cfg.ChannelID
}

// Calls returns the requests recorded in mock mode.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// PostMessage posts to channel and returns the message timestamp.
func (c *Client) PostMessage(ctx context.Context, channel, text string, blocks []Block) (string, error) {
	if strings.TrimSpace(channel) == "" {
		channel = c.cfg.ChannelID
	}
	raw, err := c.call(ctx, "chat.postMessage", map[string]any{
		"channel": channel,
		"text":    text,
		"blocks":  blocks,
	})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(raw, "ts").String(), nil
}

func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string, blocks []Block) error {
	_, err := c.call(ctx, "chat.update", map[string]any{
		"channel": channel,
		"ts":      ts,
		"text":    text,
		"blocks":  blocks,
	})
	return err
}

func (c *Client) OpenView(ctx context.Context, triggerID string, view map[string]any) error {
	_, err := c.call(ctx, "views.open", map[string]any{
		"trigger_id": triggerID,
		"view":       view,
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) ([]byte, error) {
	if c.cfg.Mock {
		c.mu.Lock()
		c.calls = append(c.calls, Call{Method: method, Payload: payload})
		count := len(c.calls)
		c.mu.Unlock()
		c.logger.Info("mock slack call recorded", "method", method)
		return []byte(`{"ok":true,"ts":"` + mockTimestamp(count) + `"}`), nil
	}
	if strings.TrimSpace(c.cfg.BotToken) == "" {
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("slack %s: read response: %w", method, err)
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("slack %s: status=%d body=%s", method, res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !gjson.GetBytes(raw, "ok").Bool() {
		return nil, fmt.Errorf("slack %s: %s", method, gjson.GetBytes(raw, "error").String())
	}
	return raw, nil
}

func mockTimestamp(sequence int) string {
	return strconv.FormatInt(time.Now().Unix(), 10) + "." + fmt.Sprintf("%06d", sequence)
}
