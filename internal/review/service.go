package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/store"
)

const (
	LabelEdited           = "edited"
	LabelFallbackApproved = "fallback-approved"
)

type Memory interface {
	StoreExchange(ctx context.Context, userKey, conversationID, customerText, responseText string) error
	StoreToCatalogue(ctx context.Context, conversationID, customerText, responseText, label string) error
}

type Store interface {
	LookupPendingReview(ctx context.Context, conversationID string) (store.ReviewRequest, error)
	ResolveReviewRequest(ctx context.Context, input store.ResolveReviewInput) (store.ReviewRequest, error)
	ReopenReviewRequest(ctx context.Context, id, status string) error
}

// Decision is a human verdict on a candidate response.
type Decision struct {
	// ReviewID pins the decision to one review request. When empty the newest
	// pending review of the conversation is used, if any.
	ReviewID       string
	ConversationID string
	CustomerText   string
	ResponseText   string
	UserID         string
	Reasoning      string
	DecidedBy      string
}

type Outcome struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Delivered      bool   `json:"delivered"`
	Catalogued     string `json:"catalogued,omitempty"`
	ReviewID       string `json:"review_id,omitempty"`
}

// Service applies human decisions. Approved and edited responses get the same
// persistence as an auto-sent answer.
type Service struct {
	replies pipeline.ReplySink
	memory  Memory
	reviews Store
	logger  *slog.Logger
}

func New(replies pipeline.ReplySink, memory Memory, reviews Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{replies: replies, memory: memory, reviews: reviews, logger: logger.With("component", "review")}
}

// WithReplies returns a copy that delivers through replies, used by debug
// chat sessions that must not reach Intercom.
func (s *Service) WithReplies(replies pipeline.ReplySink) *Service {
	clone := *s
	clone.replies = replies
	return &clone
}

func (s *Service) Approve(ctx context.Context, decision Decision) (Outcome, error) {
	return s.send(ctx, decision, false)
}

func (s *Service) Edit(ctx context.Context, decision Decision) (Outcome, error) {
	return s.send(ctx, decision, true)
}

func (s *Service) Reject(ctx context.Context, decision Decision) (Outcome, error) {
	outcome := Outcome{ConversationID: decision.ConversationID, Status: store.ReviewStatusRejected}
	reviewID, err := s.claim(ctx, decision, store.ReviewStatusRejected, "")
	if err != nil {
		return outcome, err
	}
	outcome.ReviewID = reviewID
	s.logger.Info("response rejected", "conversation_id", decision.ConversationID, "decided_by", decision.DecidedBy)
	return outcome, nil
}

func (s *Service) send(ctx context.Context, decision Decision, edited bool) (Outcome, error) {
	status := store.ReviewStatusApproved
	if edited {
		status = store.ReviewStatusEdited
	}
	outcome := Outcome{ConversationID: decision.ConversationID, Status: status}
	text := strings.TrimSpace(decision.ResponseText)
	if text == "" {
		return outcome, fmt.Errorf("response text is required")
	}

	reviewID, err := s.claim(ctx, decision, status, text)
	if err != nil {
		return outcome, err
	}
	outcome.ReviewID = reviewID

	logger := s.logger.With("conversation_id", decision.ConversationID)
	var deliveryErr error
	if s.replies == nil {
		deliveryErr = fmt.Errorf("%w: no reply sink configured", agenterr.ErrDelivery)
	} else if err := s.replies.Reply(ctx, decision.ConversationID, text); err != nil {
		deliveryErr = fmt.Errorf("%w: %w", agenterr.ErrDelivery, err)
	}
	if deliveryErr != nil {
		s.release(ctx, logger, reviewID, status)
		return outcome, deliveryErr
	}
	outcome.Delivered = true

	if s.memory != nil {
		if strings.TrimSpace(decision.UserID) != "" {
			if err := s.memory.StoreExchange(ctx, decision.UserID, decision.ConversationID, decision.CustomerText, text); err != nil {
				logger.Warn("store exchange failed", "error", err)
			}
		}
		if label := catalogueLabel(edited, decision.Reasoning); label != "" && strings.TrimSpace(decision.CustomerText) != "" {
			if err := s.memory.StoreToCatalogue(ctx, decision.ConversationID, decision.CustomerText, text, label); err != nil {
				logger.Warn("store catalogue entry failed", "error", err)
			} else {
				outcome.Catalogued = label
			}
		}
	}
	logger.Info("reviewed response sent", "status", status, "decided_by", decision.DecidedBy)
	return outcome, nil
}

// claim resolves the review so a repeated click cannot send twice. Decisions
// without a recorded review proceed.
func (s *Service) claim(ctx context.Context, decision Decision, status, finalText string) (string, error) {
	if s.reviews == nil {
		return "", nil
	}
	reviewID := strings.TrimSpace(decision.ReviewID)
	if reviewID == "" {
		pending, err := s.reviews.LookupPendingReview(ctx, decision.ConversationID)
		if errors.Is(err, store.ErrReviewNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("lookup pending review: %w", err)
		}
		reviewID = pending.ID
	}
	resolved, err := s.reviews.ResolveReviewRequest(ctx, store.ResolveReviewInput{
		ID:        reviewID,
		Status:    status,
		DecidedBy: decision.DecidedBy,
		FinalText: finalText,
	})
	if err != nil {
		return reviewID, err
	}
	return resolved.ID, nil
}

// release reopens a claimed review after a failed delivery so the decision can
// be retried.
func (s *Service) release(ctx context.Context, logger *slog.Logger, reviewID, status string) {
	if s.reviews == nil || reviewID == "" {
		return
	}
	if err := s.reviews.ReopenReviewRequest(context.WithoutCancel(ctx), reviewID, status); err != nil {
		logger.Error("reopen review after failed delivery", "review_id", reviewID, "error", err)
		return
	}
	logger.Warn("delivery failed, review reopened", "review_id", reviewID)
}

// catalogueLabel decides whether a sent response becomes curated knowledge.
func catalogueLabel(edited bool, reasoning string) string {
	switch {
	case edited:
		return LabelEdited
	case strings.HasPrefix(strings.TrimSpace(reasoning), pipeline.FallbackReasoningPrefix):
		return LabelFallbackApproved
	default:
		return ""
	}
}
