package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whysosaket/intercom-agent/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompleteJSONRequestsJSONObjectMode(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"confidence\":0.9}"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client := New(Config{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-5-mini"}, testLogger())
	raw, err := client.CompleteJSON(context.Background(), llm.Request{SystemPrompt: "sys", UserPrompt: "user"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if raw != `{"confidence":0.9}` {
		t.Fatalf("unexpected content %q", raw)
	}
	format, _ := captured["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", captured["response_format"])
	}
	if captured["model"] != "gpt-5-mini" {
		t.Fatalf("expected default model, got %v", captured["model"])
	}
	messages, _ := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
}

func TestCompleteJSONRetriesThenFails(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"down","type":"server_error"}}`))
	}))
	defer server.Close()

	client := New(Config{APIKey: "k", BaseURL: server.URL, MaxRetries: 2, RetryDelay: time.Millisecond}, testLogger())
	if _, err := client.CompleteJSON(context.Background(), llm.Request{UserPrompt: "x"}); err == nil {
		t.Fatal("expected error after retries")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCompleteJSONWithoutKeyIsUnavailable(t *testing.T) {
	client := New(Config{}, testLogger())
	_, err := client.CompleteJSON(context.Background(), llm.Request{UserPrompt: "x"})
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestEmbedOrdersVectorsByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":1,"embedding":[0,1]},{"object":"embedding","index":0,"embedding":[1,0]}]}`))
	}))
	defer server.Close()

	client := New(Config{APIKey: "k", BaseURL: server.URL}, testLogger())
	vectors, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != 2 || vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Fatalf("unexpected vectors: %v", vectors)
	}
}
