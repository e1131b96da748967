package intercom

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReplyPostsAdminComment(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/conversations/123/reply" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"type":"conversation","id":"123"}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AccessToken: "tok", AdminID: "42", RatePerSecond: 100}, discardLogger())
	if err := client.Reply(context.Background(), "123", "Call client.delete(memory_id)."); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if got["message_type"] != "comment" || got["type"] != "admin" || got["admin_id"] != "42" || got["body"] != "Call client.delete(memory_id)." {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestReplySurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"code":"not_found"}]}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AccessToken: "tok", RatePerSecond: 100}, discardLogger())
	err := client.Reply(context.Background(), "999", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestMockModeRecordsReplies(t *testing.T) {
	client := New(Config{Mock: true}, discardLogger())
	if err := client.Reply(context.Background(), "c-1", "hello"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	sent := client.SentReplies()
	if len(sent) != 1 || sent[0].ConversationID != "c-1" || sent[0].Body != "hello" {
		t.Fatalf("unexpected mock replies: %+v", sent)
	}
	page, err := client.ListConversations(context.Background(), 20, "")
	if err != nil || len(page.Conversations) != 0 {
		t.Fatalf("expected empty mock page, got %+v err=%v", page, err)
	}
}

func TestListConversationsReadsCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("per_page") != "20" || query.Get("sort") != "updated_at" || query.Get("order") != "desc" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if query.Get("starting_after") == "" {
			_, _ = w.Write([]byte(`{"conversations":[{"id":"1"},{"id":"2"}],"pages":{"next":{"starting_after":"abc"}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"conversations":[{"id":"3"}],"pages":{}}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, AccessToken: "tok", RatePerSecond: 100}, discardLogger())
	first, err := client.ListConversations(context.Background(), 20, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Conversations) != 2 || first.Next != "abc" || first.Conversations[1].ID != "2" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	second, err := client.ListConversations(context.Background(), 20, first.Next)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(second.Conversations) != 1 || second.Next != "" {
		t.Fatalf("unexpected second page: %+v", second)
	}
}

func TestUnconfiguredClientRefusesCalls(t *testing.T) {
	client := New(Config{}, discardLogger())
	if err := client.Reply(context.Background(), "c-1", "hi"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestParseWebhookReplyUsesLastPart(t *testing.T) {
	payload := []byte(`{
		"topic": "conversation.user.replied",
		"data": {"item": {
			"id": "c-77",
			"source": {"body": "<p>original</p>", "author": {"id": "u-1", "name": "Ada", "email": "ada@example.com"}},
			"conversation_parts": {"conversation_parts": [
				{"body": "<p>first follow up</p>"},
				{"body": "<p>still <b>broken</b></p>"}
			]}
		}}
	}`)
	event, err := ParseWebhook(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !event.Actionable() || event.ConversationID != "c-77" || event.Body != "still broken" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Identity.Email != "ada@example.com" || event.Identity.MemoryKey(event.ConversationID) != "ada@example.com" {
		t.Fatalf("unexpected identity: %+v", event.Identity)
	}
}

func TestParseWebhookCreatedAndIgnoredTopics(t *testing.T) {
	created, err := ParseWebhook([]byte(`{"topic":"conversation.user.created","data":{"item":{"id":"c-1","source":{"body":"<div>How do I add memories?</div>","author":{"id":"u-2"}}}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if created.Body != "How do I add memories?" || created.Identity.MemoryKey("c-1") != "c-1" {
		t.Fatalf("unexpected created event: %+v", created)
	}

	closed, err := ParseWebhook([]byte(`{"topic":"conversation.admin.closed","data":{"item":{"id":"c-1"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if closed.Actionable() {
		t.Fatal("expected admin topic to be ignored")
	}
	if _, err := ParseWebhook([]byte(`{not json`)); err == nil {
		t.Fatal("expected invalid json error")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"topic":"ping"}`)
	if err := VerifySignature("secret", body, Sign("secret", body)); err != nil {
		t.Fatalf("expected valid signature: %v", err)
	}
	if err := VerifySignature("secret", body, Sign("other", body)); !errors.Is(err, agenterr.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if err := VerifySignature("secret", body, "deadbeef"); !errors.Is(err, agenterr.ErrInvalidSignature) {
		t.Fatalf("expected missing prefix error, got %v", err)
	}
	if err := VerifySignature("", body, ""); err != nil {
		t.Fatalf("expected empty secret to skip verification: %v", err)
	}
}
