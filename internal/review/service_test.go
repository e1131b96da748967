package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqlStore, err := store.New(filepath.Join(t.TempDir(), "review_test.sqlite"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	return sqlStore
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReplies struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeReplies) Reply(_ context.Context, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, conversationID+":"+text)
	return nil
}

type fakeMemory struct {
	mu        sync.Mutex
	exchanges []string
	catalogue []string
}

func (f *fakeMemory) StoreExchange(_ context.Context, userKey, _, _, responseText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, userKey+":"+responseText)
	return nil
}

func (f *fakeMemory) StoreToCatalogue(_ context.Context, conversationID, _, _, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogue = append(f.catalogue, conversationID+":"+label)
	return nil
}

func seedReview(t *testing.T, sqlStore *store.Store, conversationID string) store.ReviewRequest {
	t.Helper()
	review, err := sqlStore.CreateReviewRequest(context.Background(), store.CreateReviewRequestInput{
		ConversationID:  conversationID,
		CustomerMessage: "How do I enable graph memory?",
		CandidateText:   "Pass enable_graph=True.",
		Confidence:      0.6,
		Reasoning:       "[Fallback] graph doc",
		UserID:          "ada@example.com",
	})
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	return review
}

func TestApproveDeliversStoresAndResolvesOnce(t *testing.T) {
	sqlStore := newTestStore(t)
	review := seedReview(t, sqlStore, "c-1")
	replies := &fakeReplies{}
	memory := &fakeMemory{}
	service := New(replies, memory, sqlStore, discardLogger())

	decision := Decision{
		ReviewID:       review.ID,
		ConversationID: "c-1",
		CustomerText:   "How do I enable graph memory?",
		ResponseText:   "Pass enable_graph=True.",
		UserID:         "ada@example.com",
		Reasoning:      "[Fallback] graph doc",
		DecidedBy:      "grace",
	}
	outcome, err := service.Approve(context.Background(), decision)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !outcome.Delivered || outcome.Catalogued != LabelFallbackApproved || outcome.ReviewID != review.ID {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(replies.sent) != 1 || len(memory.exchanges) != 1 || len(memory.catalogue) != 1 {
		t.Fatalf("unexpected side effects: replies=%v exchanges=%v catalogue=%v", replies.sent, memory.exchanges, memory.catalogue)
	}

	if _, err := service.Approve(context.Background(), decision); !errors.Is(err, store.ErrReviewResolved) {
		t.Fatalf("expected ErrReviewResolved on repeat, got %v", err)
	}
	if len(replies.sent) != 1 {
		t.Fatalf("expected no second reply, got %v", replies.sent)
	}
	stored, err := sqlStore.LookupReviewRequest(context.Background(), review.ID)
	if err != nil {
		t.Fatalf("lookup review: %v", err)
	}
	if stored.Status != store.ReviewStatusApproved || stored.DecidedBy != "grace" {
		t.Fatalf("unexpected stored review: %+v", stored)
	}
}

func TestEditCataloguesAsEdited(t *testing.T) {
	sqlStore := newTestStore(t)
	seedReview(t, sqlStore, "c-2")
	memory := &fakeMemory{}
	service := New(&fakeReplies{}, memory, sqlStore, discardLogger())

	outcome, err := service.Edit(context.Background(), Decision{
		ConversationID: "c-2",
		CustomerText:   "How do I enable graph memory?",
		ResponseText:   "Use enable_graph=True on add().",
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if outcome.Status != store.ReviewStatusEdited || outcome.Catalogued != LabelEdited {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(memory.exchanges) != 0 {
		t.Fatalf("expected no exchange without user id, got %v", memory.exchanges)
	}
}

func TestApproveWithoutFallbackReasoningSkipsCatalogue(t *testing.T) {
	memory := &fakeMemory{}
	service := New(&fakeReplies{}, memory, nil, discardLogger())
	outcome, err := service.Approve(context.Background(), Decision{
		ConversationID: "c-3",
		CustomerText:   "hello",
		ResponseText:   "Hi there",
		UserID:         "u-1",
		Reasoning:      "faq match",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if outcome.Catalogued != "" || len(memory.catalogue) != 0 {
		t.Fatalf("expected no catalogue entry, got %v", memory.catalogue)
	}
}

func TestApproveDeliveryFailureIsErrDelivery(t *testing.T) {
	memory := &fakeMemory{}
	service := New(&fakeReplies{err: errors.New("intercom 503")}, memory, nil, discardLogger())
	_, err := service.Approve(context.Background(), Decision{ConversationID: "c-4", ResponseText: "hi", UserID: "u"})
	if !errors.Is(err, agenterr.ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	if len(memory.exchanges) != 0 {
		t.Fatal("expected no memory writes after failed delivery")
	}
}

func TestApproveAfterFailedDeliveryCanBeRetried(t *testing.T) {
	sqlStore := newTestStore(t)
	review := seedReview(t, sqlStore, "c-6")
	replies := &fakeReplies{err: errors.New("intercom down")}
	service := New(replies, &fakeMemory{}, sqlStore, discardLogger())
	decision := Decision{ReviewID: review.ID, ConversationID: "c-6", ResponseText: "Pass enable_graph=True.", DecidedBy: "grace"}

	if _, err := service.Approve(context.Background(), decision); !errors.Is(err, agenterr.ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	pending, err := sqlStore.LookupPendingReview(context.Background(), "c-6")
	if err != nil || pending.ID != review.ID || pending.DecidedBy != "" {
		t.Fatalf("expected review back to pending, got %+v err=%v", pending, err)
	}

	replies.mu.Lock()
	replies.err = nil
	replies.mu.Unlock()
	outcome, err := service.Approve(context.Background(), decision)
	if err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	if !outcome.Delivered || len(replies.sent) != 1 || replies.sent[0] != "c-6:Pass enable_graph=True." {
		t.Fatalf("unexpected retry outcome: %+v sent=%v", outcome, replies.sent)
	}
	stored, err := sqlStore.LookupReviewRequest(context.Background(), review.ID)
	if err != nil || stored.Status != store.ReviewStatusApproved {
		t.Fatalf("expected approved review, got %+v err=%v", stored, err)
	}
}

func TestRejectResolvesWithoutReply(t *testing.T) {
	sqlStore := newTestStore(t)
	review := seedReview(t, sqlStore, "c-5")
	replies := &fakeReplies{}
	service := New(replies, &fakeMemory{}, sqlStore, discardLogger())

	outcome, err := service.Reject(context.Background(), Decision{ConversationID: "c-5", DecidedBy: "grace"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if outcome.ReviewID != review.ID || outcome.Delivered || len(replies.sent) != 0 {
		t.Fatalf("unexpected reject outcome: %+v sent=%v", outcome, replies.sent)
	}
	if _, err := sqlStore.LookupPendingReview(context.Background(), "c-5"); !errors.Is(err, store.ErrReviewNotFound) {
		t.Fatalf("expected review resolved, got %v", err)
	}
}

func TestSendRequiresText(t *testing.T) {
	service := New(&fakeReplies{}, nil, nil, discardLogger())
	if _, err := service.Approve(context.Background(), Decision{ConversationID: "c", ResponseText: "  "}); err == nil {
		t.Fatal("expected error for blank response")
	}
}
