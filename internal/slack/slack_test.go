package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/review"
	"github.com/whysosaket/intercom-agent/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlStore, err := store.New(filepath.Join(t.TempDir(), "slack_test.sqlite"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	return sqlStore
}

func TestNotifierPersistsAndPostsReview(t *testing.T) {
	sqlStore := newTestStore(t)
	client := New(Config{Mock: true, ChannelID: "C-REVIEW"}, discardLogger())
	notifier := NewNotifier(client, sqlStore, discardLogger())

	err := notifier.SendReviewRequest(context.Background(), pipeline.ReviewRequest{
		ConversationID:  "c-1",
		CustomerText:    "Can I get a refund?",
		CandidateText:   "",
		Confidence:      0,
		Reasoning:       "[Pre-Check Escalation] billing",
		UserKey:         "ada@example.com",
		RoutingDecision: pipeline.DecisionEscalate,
	})
	if err != nil {
		t.Fatalf("send review: %v", err)
	}
	calls := client.Calls()
	if len(calls) != 1 || calls[0].Method != "chat.postMessage" || calls[0].Payload["channel"] != "C-REVIEW" {
		t.Fatalf("unexpected slack calls: %+v", calls)
	}
	pending, err := sqlStore.LookupPendingReview(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("lookup pending: %v", err)
	}
	if pending.MessageTS == "" || pending.ChannelID != "C-REVIEW" || pending.RoutingDecision != "ESCALATE" {
		t.Fatalf("unexpected stored review: %+v", pending)
	}
}

func TestReviewBlocksOmitSendButtonsWithoutCandidate(t *testing.T) {
	blocks := ReviewBlocks(ReviewCard{ConversationID: "c-1", CustomerMessage: "help", Reasoning: "escalated"})
	raw, _ := json.Marshal(blocks)
	actions := gjson.GetBytes(raw, `#(type=="actions").elements.#.action_id`).Array()
	if len(actions) != 1 || actions[0].String() != ActionReject {
		t.Fatalf("expected only reject, got %v", actions)
	}
	if !strings.Contains(string(raw), "No response generated - escalated for human handling") {
		t.Fatal("expected escalation placeholder text")
	}

	withCandidate := ReviewBlocks(ReviewCard{ReviewID: "r-1", ConversationID: "c-1", CustomerMessage: "help", CandidateText: "Try again"})
	raw, _ = json.Marshal(withCandidate)
	if got := gjson.GetBytes(raw, `#(type=="actions").elements.#`).Int(); got != 3 {
		t.Fatalf("expected three buttons, got %d", got)
	}
	if CustomerMessageFromBlocks(gjson.ParseBytes(raw)) != "help" {
		t.Fatal("expected customer message recovered from blocks")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte("payload=%7B%7D")
	now := time.Unix(1_700_000_000, 0)
	timestamp := strconv.FormatInt(now.Unix(), 10)
	signature := Sign("secret", timestamp, body)

	if err := VerifySignature("secret", timestamp, signature, body, now); err != nil {
		t.Fatalf("expected valid signature: %v", err)
	}
	if err := VerifySignature("secret", timestamp, signature, body, now.Add(10*time.Minute)); !errors.Is(err, agenterr.ErrInvalidSignature) {
		t.Fatalf("expected stale request rejection, got %v", err)
	}
	if err := VerifySignature("secret", timestamp, "v0=00", body, now); !errors.Is(err, agenterr.ErrInvalidSignature) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := VerifySignature("", "", "", body, now); err != nil {
		t.Fatalf("expected empty secret to skip: %v", err)
	}
}

type recordingDecider struct {
	mu        sync.Mutex
	decisions map[string]review.Decision
	err       error
}

func (r *recordingDecider) record(kind string, decision review.Decision) (review.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decisions == nil {
		r.decisions = map[string]review.Decision{}
	}
	r.decisions[kind] = decision
	return review.Outcome{ConversationID: decision.ConversationID}, r.err
}

func (r *recordingDecider) Approve(_ context.Context, d review.Decision) (review.Outcome, error) {
	return r.record("approve", d)
}

func (r *recordingDecider) Edit(_ context.Context, d review.Decision) (review.Outcome, error) {
	return r.record("edit", d)
}

func (r *recordingDecider) Reject(_ context.Context, d review.Decision) (review.Outcome, error) {
	return r.record("reject", d)
}

func blockActionPayload(t *testing.T, actionID string, value buttonValue) []byte {
	t.Helper()
	blocks := ReviewBlocks(ReviewCard{ConversationID: value.ConversationID, CustomerMessage: "How do I delete?", CandidateText: "Call delete()"})
	payload := map[string]any{
		"type":       "block_actions",
		"trigger_id": "trig-1",
		"user":       map[string]any{"id": "U1", "username": "grace"},
		"channel":    map[string]any{"id": "C-REVIEW"},
		"message":    map[string]any{"ts": "1700000000.000100", "blocks": blocks},
		"actions":    []map[string]any{{"action_id": actionID, "value": encodeValue(value)}},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestApproveActionDecidesAndUpdatesCard(t *testing.T) {
	client := New(Config{Mock: true}, discardLogger())
	decider := &recordingDecider{}
	interactions := NewInteractions(client, decider, discardLogger())

	payload := blockActionPayload(t, ActionApprove, buttonValue{ReviewID: "r-1", ConversationID: "c-1", ResponseText: "Call delete()", UserID: "ada@example.com", Reasoning: "[Fallback] docs"})
	if err := interactions.Handle(context.Background(), payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	decision := decider.decisions["approve"]
	if decision.ReviewID != "r-1" || decision.CustomerText != "How do I delete?" || decision.DecidedBy != "grace" || decision.Reasoning != "[Fallback] docs" {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	calls := client.Calls()
	if len(calls) != 1 || calls[0].Method != "chat.update" || calls[0].Payload["ts"] != "1700000000.000100" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestEditFlowOpensModalAndSubmits(t *testing.T) {
	client := New(Config{Mock: true}, discardLogger())
	decider := &recordingDecider{}
	interactions := NewInteractions(client, decider, discardLogger())

	payload := blockActionPayload(t, ActionEdit, buttonValue{ReviewID: "r-2", ConversationID: "c-2", ResponseText: "Call delete()", UserID: "u-1"})
	if err := interactions.Handle(context.Background(), payload); err != nil {
		t.Fatalf("handle edit: %v", err)
	}
	calls := client.Calls()
	if len(calls) != 1 || calls[0].Method != "views.open" {
		t.Fatalf("expected views.open, got %+v", calls)
	}
	view := calls[0].Payload["view"].(map[string]any)
	metadata := view["private_metadata"].(string)

	submission, _ := json.Marshal(map[string]any{
		"type": "view_submission",
		"user": map[string]any{"username": "grace"},
		"view": map[string]any{
			"callback_id":      EditModalID,
			"private_metadata": metadata,
			"state": map[string]any{"values": map[string]any{
				"response_block": map[string]any{"response_text": map[string]any{"value": "Call client.delete(memory_id)."}},
			}},
		},
	})
	if err := interactions.Handle(context.Background(), submission); err != nil {
		t.Fatalf("handle submission: %v", err)
	}
	decision := decider.decisions["edit"]
	if decision.ResponseText != "Call client.delete(memory_id)." || decision.CustomerText != "How do I delete?" || decision.ReviewID != "r-2" {
		t.Fatalf("unexpected edit decision: %+v", decision)
	}
	if last := client.Calls()[1]; last.Method != "chat.update" || last.Payload["channel"] != "C-REVIEW" {
		t.Fatalf("expected card update, got %+v", last)
	}
}

func TestResolvedReviewIsNotAnError(t *testing.T) {
	client := New(Config{Mock: true}, discardLogger())
	decider := &recordingDecider{err: store.ErrReviewResolved}
	interactions := NewInteractions(client, decider, discardLogger())
	payload := blockActionPayload(t, ActionReject, buttonValue{ConversationID: "c-3"})
	if err := interactions.Handle(context.Background(), payload); err != nil {
		t.Fatalf("expected resolved review to be ignored, got %v", err)
	}
	if len(client.Calls()) != 0 {
		t.Fatal("expected no card update for resolved review")
	}
}

func TestClientReportsSlackErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" || r.Header.Get("Authorization") != "Bearer xoxb" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer server.Close()

	client := New(Config{APIBase: server.URL, BotToken: "xoxb", ChannelID: "C1"}, discardLogger())
	if _, err := client.PostMessage(context.Background(), "", "hi", nil); err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("expected slack error, got %v", err)
	}
}
