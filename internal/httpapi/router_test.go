package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whysosaket/intercom-agent/internal/catalogsync"
	"github.com/whysosaket/intercom-agent/internal/chat"
	"github.com/whysosaket/intercom-agent/internal/config"
	"github.com/whysosaket/intercom-agent/internal/coordinator"
	"github.com/whysosaket/intercom-agent/internal/eval"
	"github.com/whysosaket/intercom-agent/internal/intercom"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/review"
	"github.com/whysosaket/intercom-agent/internal/slack"
	"github.com/whysosaket/intercom-agent/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type queued struct {
	conversationID, body string
	identity             pipeline.Identity
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	items []queued
	err   error
}

func (f *fakeEnqueuer) Enqueue(conversationID, body string, identity pipeline.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, queued{conversationID, body, identity})
	return nil
}

type fakeInteractions struct {
	payloads []string
}

func (f *fakeInteractions) Handle(_ context.Context, payload []byte) error {
	f.payloads = append(f.payloads, string(payload))
	return errors.New("card already resolved")
}

type fakeStore struct {
	pingErr error
	runs    map[string]store.PipelineRun
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) LookupPipelineRun(_ context.Context, id string) (store.PipelineRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return store.PipelineRun{}, store.ErrPipelineRunNotFound
	}
	return run, nil
}

func (f *fakeStore) ListDeadLetters(context.Context, int) ([]store.DeadLetter, error) {
	return []store.DeadLetter{{ID: "dl-1", ConversationID: "c1", IdentityJSON: `{"id":"u1"}`, Attempts: 3}}, nil
}

func (f *fakeStore) ListReviewRequests(_ context.Context, status string, _ int) ([]store.ReviewRequest, error) {
	return []store.ReviewRequest{{ID: "r1", ConversationID: "c1", Status: status}}, nil
}

type fakeSyncer struct {
	err error
}

func (f fakeSyncer) Sync(context.Context) (catalogsync.Summary, error) {
	return catalogsync.Summary{Fetched: 3, Ingested: 2}, f.err
}

func (f fakeSyncer) Last() (catalogsync.Summary, bool) { return catalogsync.Summary{}, false }

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, in pipeline.Input) (pipeline.Result, error) {
	if strings.Contains(in.Body, "boom") {
		return pipeline.Result{}, errors.New("llm down")
	}
	return pipeline.Result{
		RunID:    "run-" + in.ConversationID,
		Response: pipeline.GeneratedResponse{Text: "answer to " + in.Body, Confidence: 0.9, Reasoning: "catalogue"},
		Outcome:  pipeline.OutcomeAutoSent,
	}, nil
}

type nopMemory struct{}

func (nopMemory) StoreExchange(context.Context, string, string, string, string) error { return nil }
func (nopMemory) StoreToCatalogue(context.Context, string, string, string, string) error {
	return nil
}

func newTestServer(t *testing.T, mutate func(*Dependencies)) *httptest.Server {
	t.Helper()
	decider := review.New(chat.LocalReplies{}, nopMemory{}, nil, discardLogger())
	deps := Dependencies{
		Config: config.Config{
			Environment:           "test",
			IntercomWebhookSecret: "hook-secret",
			SlackSigningSecret:    "slack-secret",
			ConfidenceThreshold:   0.8,
		},
		Logger:       discardLogger(),
		Store:        &fakeStore{runs: map[string]store.PipelineRun{"run-1": {ID: "run-1", ConversationID: "c1", TraceJSON: `{"steps":[]}`, CreatedAt: time.Unix(1700000000, 0)}}},
		Messages:     &fakeEnqueuer{},
		Interactions: &fakeInteractions{},
		Eval:         eval.New(nil, echoRunner{}, decider, discardLogger()),
		Chat:         chat.NewService(chat.NewManager(), echoRunner{}, decider, nopMemory{}, discardLogger()),
		Sync:         fakeSyncer{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	server := httptest.NewServer(NewRouter(deps))
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

const userReplied = `{"topic":"conversation.user.replied","data":{"item":{"id":"conv-9","source":{"body":"<p>first</p>","author":{"id":"u1","email":"ana@example.com"}},"conversation_parts":{"conversation_parts":[{"body":"<p>How do I search?</p>"}]}}}}`

func TestIntercomWebhookQueuesSignedMessages(t *testing.T) {
	queue := &fakeEnqueuer{}
	server := newTestServer(t, func(d *Dependencies) { d.Messages = queue })

	send := func(body, signature string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, server.URL+"/webhooks/intercom", strings.NewReader(body))
		req.Header.Set(intercom.SignatureHeader, signature)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := send(userReplied, "sha1=00"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.StatusCode)
	}
	resp := send(userReplied, intercom.Sign("hook-secret", []byte(userReplied)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(queue.items) != 1 || queue.items[0].conversationID != "conv-9" || queue.items[0].body != "How do I search?" {
		t.Fatalf("unexpected queue: %+v", queue.items)
	}
	if queue.items[0].identity.Email != "ana@example.com" {
		t.Fatalf("identity not carried: %+v", queue.items[0].identity)
	}

	closed := `{"topic":"conversation.admin.closed","data":{"item":{"id":"conv-9"}}}`
	resp = send(closed, intercom.Sign("hook-secret", []byte(closed)))
	var payload map[string]string
	decodeBody(t, resp, &payload)
	if payload["status"] != "ignored" || len(queue.items) != 1 {
		t.Fatalf("expected ignored event, got %v", payload)
	}
}

func TestIntercomWebhookAfterShutdown(t *testing.T) {
	server := newTestServer(t, func(d *Dependencies) {
		d.Config.IntercomWebhookSecret = ""
		d.Messages = &fakeEnqueuer{err: coordinator.ErrClosed}
	})
	resp := postJSON(t, server.URL+"/webhooks/intercom", json.RawMessage(userReplied))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestSlackInteractionsAcknowledgeHandlerErrors(t *testing.T) {
	interactions := &fakeInteractions{}
	now := time.Unix(1700000000, 0)
	server := newTestServer(t, func(d *Dependencies) {
		d.Interactions = interactions
		d.Now = func() time.Time { return now }
	})
	body := url.Values{"payload": {`{"type":"block_actions"}`}}.Encode()
	timestamp := strconv.FormatInt(now.Unix(), 10)

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/webhooks/slack/interactions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(slack.TimestampHeader, timestamp)
	req.Header.Set(slack.SignatureHeader, slack.Sign("slack-secret", timestamp, []byte(body)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(interactions.payloads) != 1 || interactions.payloads[0] != `{"type":"block_actions"}` {
		t.Fatalf("unexpected payloads: %v", interactions.payloads)
	}

	req, _ = http.NewRequest(http.MethodPost, server.URL+"/webhooks/slack/interactions", strings.NewReader(body))
	req.Header.Set(slack.TimestampHeader, timestamp)
	req.Header.Set(slack.SignatureHeader, "v0=bad")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	server := newTestServer(t, func(d *Dependencies) { d.Store = &fakeStore{pingErr: errors.New("disk gone")} })
	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}
	resp, err = http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", resp.StatusCode)
	}
}

func TestRunLookup(t *testing.T) {
	server := newTestServer(t, nil)
	resp, err := http.Get(server.URL + "/api/runs/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/api/runs/run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var run map[string]any
	decodeBody(t, resp, &run)
	if run["conversation_id"] != "c1" {
		t.Fatalf("unexpected run: %v", run)
	}
	if _, ok := run["trace"].(map[string]any); !ok {
		t.Fatalf("trace should be embedded json, got %T", run["trace"])
	}
}

func TestSyncConflict(t *testing.T) {
	server := newTestServer(t, func(d *Dependencies) { d.Sync = fakeSyncer{err: catalogsync.ErrSyncRunning} })
	resp := postJSON(t, server.URL+"/api/sync", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestEvalConversationsWithoutIntercom(t *testing.T) {
	server := newTestServer(t, nil)
	resp, err := http.Get(server.URL + "/api/eval/conversations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Conversations []eval.Conversation `json:"conversations"`
		Message       string              `json:"message"`
	}
	decodeBody(t, resp, &payload)
	if resp.StatusCode != http.StatusOK || len(payload.Conversations) != 0 || payload.Message == "" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, payload)
	}
}

func TestEvalGenerateRequiresMessage(t *testing.T) {
	server := newTestServer(t, nil)
	resp := postJSON(t, server.URL+"/api/eval/generate", eval.GenerateRequest{ConversationID: "c1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEvalGenerateAllStreams(t *testing.T) {
	server := newTestServer(t, nil)
	resp := postJSON(t, server.URL+"/api/eval/generate-all-stream", map[string]any{
		"count": 2,
		"conversations": []map[string]string{
			{"conversation_id": "c1", "customer_message": "hello"},
			{"conversation_id": "c2", "customer_message": "boom"},
		},
	})
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			events = append(events, data)
		}
	}
	if len(events) != 3 || events[2] != sseDone {
		t.Fatalf("expected two results and done, got %v", events)
	}
	byConversation := map[string]eval.Generation{}
	for _, event := range events[:2] {
		var generation eval.Generation
		if err := json.Unmarshal([]byte(event), &generation); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		byConversation[generation.ConversationID] = generation
	}
	if len(byConversation["c1"].Candidates) != 2 || byConversation["c1"].Candidates[0].Error != "" {
		t.Fatalf("unexpected c1 generation: %+v", byConversation["c1"])
	}
	for _, candidate := range byConversation["c2"].Candidates {
		if candidate.Error == "" {
			t.Fatalf("expected failed candidates for c2: %+v", candidate)
		}
	}
}

func TestChatSessionFlow(t *testing.T) {
	server := newTestServer(t, nil)
	resp := postJSON(t, server.URL+"/api/chat/sessions", map[string]any{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var session chat.Session
	decodeBody(t, resp, &session)

	resp = postJSON(t, server.URL+"/api/chat/sessions/"+session.ID+"/messages", map[string]string{"content": "How do I search?"})
	var reply chat.Reply
	decodeBody(t, resp, &reply)
	if !reply.AutoSent || reply.Message.Content != "answer to How do I search?" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	resp = postJSON(t, server.URL+"/api/chat/sessions/"+session.ID+"/actions", map[string]any{"action": "approve"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("auto-sent answers cannot be approved, got %d", resp.StatusCode)
	}
	resp = postJSON(t, server.URL+"/api/chat/sessions/"+session.ID+"/actions", map[string]any{"action": "shrug"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/api/chat/sessions/"+session.ID, nil)
	deleted, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	deleted.Body.Close()
	missing, err := http.Get(server.URL + "/api/chat/sessions/" + session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if deleted.StatusCode != http.StatusOK || missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected delete flow: %d %d", deleted.StatusCode, missing.StatusCode)
	}
}
