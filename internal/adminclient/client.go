package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whysosaket/intercom-agent/internal/catalogsync"
	"github.com/whysosaket/intercom-agent/internal/chat"
)

// Client talks to a running server's operator API.
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout < time.Second {
		timeout = 120 * time.Second
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	if timeout < time.Second {
		return c
	}
	clone := *c
	httpClone := *c.http
	httpClone.Timeout = timeout
	clone.http = &httpClone
	return &clone
}

func (c *Client) CreateSession(ctx context.Context) (chat.Session, error) {
	var session chat.Session
	err := c.call(ctx, http.MethodPost, "/api/chat/sessions", struct{}{}, &session)
	return session, err
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodDelete, "/api/chat/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, sessionID, content string) (chat.Reply, error) {
	var reply chat.Reply
	err := c.call(ctx, http.MethodPost, "/api/chat/sessions/"+url.PathEscape(sessionID)+"/messages",
		map[string]string{"content": strings.TrimSpace(content)}, &reply)
	return reply, err
}

// Act applies approve, edit or reject to a pending answer. A nil index means
// the latest message.
func (c *Client) Act(ctx context.Context, sessionID, action string, index *int, content string) (chat.ActionResult, error) {
	payload := map[string]any{"action": strings.ToLower(strings.TrimSpace(action))}
	if index != nil {
		payload["message_index"] = *index
	}
	if strings.TrimSpace(content) != "" {
		payload["content"] = content
	}
	var result chat.ActionResult
	err := c.call(ctx, http.MethodPost, "/api/chat/sessions/"+url.PathEscape(sessionID)+"/actions", payload, &result)
	return result, err
}

func (c *Client) Sync(ctx context.Context) (catalogsync.Summary, error) {
	var summary catalogsync.Summary
	err := c.call(ctx, http.MethodPost, "/api/sync", struct{}{}, &summary)
	return summary, err
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		var apiError struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&apiError)
		if strings.TrimSpace(apiError.Error) == "" {
			apiError.Error = res.Status
		}
		return &APIError{Status: res.StatusCode, Message: apiError.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
