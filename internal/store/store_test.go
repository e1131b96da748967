package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "intercom_agent_test.sqlite")
	sqlStore, err := New(dbPath)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	return sqlStore
}

func TestAutoMigrateIsIdempotent(t *testing.T) {
	sqlStore := newTestStore(t)
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := sqlStore.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestMemoriesRoundTripEmbeddingAndOrder(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	if _, err := sqlStore.AddMemory(ctx, AddMemoryInput{
		Scope:     "ada@example.com",
		Role:      RoleUser,
		Content:   "How do I delete a memory?",
		Embedding: []float32{0.25, -1.5, 3},
		CreatedAt: base,
	}); err != nil {
		t.Fatalf("add user memory: %v", err)
	}
	if _, err := sqlStore.AddMemory(ctx, AddMemoryInput{
		Scope:     "ada@example.com",
		Role:      RoleAssistant,
		Content:   "Call client.delete(memory_id).",
		CreatedAt: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("add assistant memory: %v", err)
	}

	records, err := sqlStore.ListMemories(ctx, "ada@example.com", 10)
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 memories, got %d", len(records))
	}
	if records[0].Role != RoleAssistant {
		t.Fatalf("expected newest first, got %+v", records[0])
	}
	vector := records[1].Embedding
	if len(vector) != 3 || vector[0] != 0.25 || vector[1] != -1.5 || vector[2] != 3 {
		t.Fatalf("embedding did not round trip: %v", vector)
	}
	if records[0].Embedding != nil {
		t.Fatalf("expected nil embedding for record stored without one, got %v", records[0].Embedding)
	}

	count, err := sqlStore.CountMemories(ctx, "ada@example.com")
	if err != nil || count != 2 {
		t.Fatalf("expected count 2, got %d err=%v", count, err)
	}
}

func TestAddMemoryRejectsEmptyContent(t *testing.T) {
	sqlStore := newTestStore(t)
	if _, err := sqlStore.AddMemory(context.Background(), AddMemoryInput{Scope: "x", Content: "   "}); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestReviewRequestResolvesOnce(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	review, err := sqlStore.CreateReviewRequest(ctx, CreateReviewRequestInput{
		ConversationID:  "conv-1",
		CustomerMessage: "What is your refund policy?",
		CandidateText:   "",
		Confidence:      0.3,
		Reasoning:       "account specific",
		UserID:          "ada@example.com",
		RoutingDecision: "ESCALATE",
	})
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	if err := sqlStore.AttachReviewMessage(ctx, review.ID, "C1", "1700000000.1"); err != nil {
		t.Fatalf("attach message: %v", err)
	}

	pending, err := sqlStore.LookupPendingReview(ctx, "conv-1")
	if err != nil {
		t.Fatalf("lookup pending: %v", err)
	}
	if pending.ID != review.ID || pending.MessageTS != "1700000000.1" {
		t.Fatalf("unexpected pending review: %+v", pending)
	}

	resolved, err := sqlStore.ResolveReviewRequest(ctx, ResolveReviewInput{ID: review.ID, Status: ReviewStatusEdited, DecidedBy: "grace", FinalText: "We refund within 30 days."})
	if err != nil {
		t.Fatalf("resolve review: %v", err)
	}
	if resolved.Status != ReviewStatusEdited || resolved.FinalText != "We refund within 30 days." || resolved.DecidedAt.IsZero() {
		t.Fatalf("unexpected resolved review: %+v", resolved)
	}

	_, err = sqlStore.ResolveReviewRequest(ctx, ResolveReviewInput{ID: review.ID, Status: ReviewStatusApproved})
	if !errors.Is(err, ErrReviewResolved) {
		t.Fatalf("expected ErrReviewResolved, got %v", err)
	}
	if _, err := sqlStore.LookupPendingReview(ctx, "conv-1"); !errors.Is(err, ErrReviewNotFound) {
		t.Fatalf("expected no pending review, got %v", err)
	}

	if err := sqlStore.ReopenReviewRequest(ctx, review.ID, ReviewStatusApproved); !errors.Is(err, ErrReviewNotFound) {
		t.Fatalf("expected reopen with wrong status to fail, got %v", err)
	}

	listed, err := sqlStore.ListReviewRequests(ctx, ReviewStatusEdited, 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one edited review, got %d err=%v", len(listed), err)
	}
}

func TestDeadLettersAndPipelineRuns(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	if _, err := sqlStore.RecordDeadLetter(ctx, RecordDeadLetterInput{
		ConversationID: "conv-9",
		Body:           "First\n\nSecond",
		ErrorMessage:   "reply delivery failed: status 502",
		Attempts:       1,
	}); err != nil {
		t.Fatalf("record dead letter: %v", err)
	}
	letters, err := sqlStore.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].Body != "First\n\nSecond" {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}

	if err := sqlStore.SavePipelineRun(ctx, PipelineRun{ID: "run-1", ConversationID: "conv-9", Mode: "live", Outcome: "PENDING_REVIEW", Confidence: 0.4, TraceJSON: `{"steps":[]}`}); err != nil {
		t.Fatalf("save run: %v", err)
	}
	run, err := sqlStore.LookupPipelineRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("lookup run: %v", err)
	}
	if run.Outcome != "PENDING_REVIEW" || run.TraceJSON != `{"steps":[]}` {
		t.Fatalf("unexpected run: %+v", run)
	}
	if _, err := sqlStore.LookupPipelineRun(ctx, "missing"); !errors.Is(err, ErrPipelineRunNotFound) {
		t.Fatalf("expected ErrPipelineRunNotFound, got %v", err)
	}
}

func TestReopenReviewRequestAllowsResolvingAgain(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	review, err := sqlStore.CreateReviewRequest(ctx, CreateReviewRequestInput{ConversationID: "conv-2", CustomerMessage: "refund?", CandidateText: "Yes."})
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	if _, err := sqlStore.ResolveReviewRequest(ctx, ResolveReviewInput{ID: review.ID, Status: ReviewStatusApproved, DecidedBy: "grace", FinalText: "Yes."}); err != nil {
		t.Fatalf("resolve review: %v", err)
	}
	if err := sqlStore.ReopenReviewRequest(ctx, review.ID, ReviewStatusApproved); err != nil {
		t.Fatalf("reopen review: %v", err)
	}
	reopened, err := sqlStore.LookupReviewRequest(ctx, review.ID)
	if err != nil {
		t.Fatalf("lookup review: %v", err)
	}
	if reopened.Status != ReviewStatusPending || reopened.DecidedBy != "" || reopened.FinalText != "" || !reopened.DecidedAt.IsZero() {
		t.Fatalf("unexpected reopened review: %+v", reopened)
	}
	if _, err := sqlStore.ResolveReviewRequest(ctx, ResolveReviewInput{ID: review.ID, Status: ReviewStatusEdited, FinalText: "Yes, within 30 days."}); err != nil {
		t.Fatalf("resolve reopened review: %v", err)
	}
}
