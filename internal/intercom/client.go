package intercom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

var ErrNotConfigured = errors.New("intercom is not configured")

type Config struct {
	BaseURL       string
	AccessToken   string
	AdminID       string
	RatePerSecond float64
	Timeout       time.Duration
	Mock          bool
}

// Conversation keeps the raw Intercom payload; fields are read with gjson.
type Conversation struct {
	ID  string
	Raw json.RawMessage
}

func (c Conversation) Get(path string) gjson.Result {
	return gjson.GetBytes(c.Raw, path)
}

type Page struct {
	Conversations []Conversation
	// Next is the starting_after cursor of the following page, empty on the
	// last one.
	Next string
}

type SentReply struct {
	ConversationID string    `json:"conversation_id"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
}

// APIError is a non-2xx answer from the Intercom API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("intercom api status %d: %s", e.Status, e.Body)
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	sent []SentReply
}

func New(cfg Config, logger *slog.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.intercom.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		logger:  logger.With("component", "intercom"),
	}
}

func (c *Client) Mock() bool {
	return c.cfg.Mock
}

// Reply posts an admin comment to the conversation.
func (c *Client) Reply(ctx context.Context, conversationID, body string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if c.cfg.Mock {
		c.mu.Lock()
		c.sent = append(c.sent, SentReply{ConversationID: conversationID, Body: body, SentAt: time.Now().UTC()})
		c.mu.Unlock()
		c.logger.Info("mock reply recorded", "conversation_id", conversationID, "chars", len(body))
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"message_type": "comment",
		"type":         "admin",
		"admin_id":     c.cfg.AdminID,
		"body":         body,
	})
	if err != nil {
		return err
	}
	if _, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/reply", payload); err != nil {
		return fmt.Errorf("reply to conversation %s: %w", conversationID, err)
	}
	c.logger.Info("reply sent", "conversation_id", conversationID)
	return nil
}

// SentReplies returns replies recorded in mock mode.
func (c *Client) SentReplies() []SentReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentReply(nil), c.sent...)
}

// ListConversations returns one page ordered by most recently updated.
func (c *Client) ListConversations(ctx context.Context, perPage int, startingAfter string) (Page, error) {
	if c.cfg.Mock {
		return Page{}, nil
	}
	if perPage < 1 || perPage > 150 {
		perPage = 20
	}
	query := url.Values{}
	query.Set("per_page", strconv.Itoa(perPage))
	query.Set("order", "desc")
	query.Set("sort", "updated_at")
	if strings.TrimSpace(startingAfter) != "" {
		query.Set("starting_after", startingAfter)
	}
	raw, err := c.do(ctx, http.MethodGet, "/conversations?"+query.Encode(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("list conversations: %w", err)
	}
	page := Page{Next: gjson.GetBytes(raw, "pages.next.starting_after").String()}
	for _, item := range gjson.GetBytes(raw, "conversations").Array() {
		page.Conversations = append(page.Conversations, Conversation{
			ID:  item.Get("id").String(),
			Raw: json.RawMessage(item.Raw),
		})
	}
	return page, nil
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if c.cfg.Mock {
		return Conversation{}, fmt.Errorf("get conversation %s: %w", conversationID, ErrNotConfigured)
	}
	raw, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	return Conversation{ID: gjson.GetBytes(raw, "id").String(), Raw: raw}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if strings.TrimSpace(c.cfg.AccessToken) == "" {
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}
