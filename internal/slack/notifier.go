package slack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/store"
)

type ReviewStore interface {
	CreateReviewRequest(ctx context.Context, input store.CreateReviewRequestInput) (store.ReviewRequest, error)
	AttachReviewMessage(ctx context.Context, id, channelID, messageTS string) error
}

// Notifier records review requests and posts them to the review channel.
type Notifier struct {
	client  *Client
	reviews ReviewStore
	logger  *slog.Logger
}

func NewNotifier(client *Client, reviews ReviewStore, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, reviews: reviews, logger: logger.With("component", "slack_notifier")}
}

func (n *Notifier) SendReviewRequest(ctx context.Context, req pipeline.ReviewRequest) error {
	card := ReviewCard{
		ConversationID:  req.ConversationID,
		CustomerMessage: req.CustomerText,
		CandidateText:   req.CandidateText,
		Confidence:      req.Confidence,
		Reasoning:       req.Reasoning,
		UserID:          req.UserKey,
		RoutingDecision: string(req.RoutingDecision),
	}
	if n.reviews != nil {
		record, err := n.reviews.CreateReviewRequest(ctx, store.CreateReviewRequestInput{
			ConversationID:  req.ConversationID,
			CustomerMessage: req.CustomerText,
			CandidateText:   req.CandidateText,
			Confidence:      req.Confidence,
			Reasoning:       req.Reasoning,
			UserID:          req.UserKey,
			RoutingDecision: string(req.RoutingDecision),
		})
		if err != nil {
			return fmt.Errorf("%w: persist review: %w", agenterr.ErrReviewNotification, err)
		}
		card.ReviewID = record.ID
	}

	ts, err := n.client.PostMessage(ctx, n.client.ChannelID(), fmt.Sprintf("Review needed for conversation %s", req.ConversationID), ReviewBlocks(card))
	if err != nil {
		return fmt.Errorf("%w: %w", agenterr.ErrReviewNotification, err)
	}
	if n.reviews != nil && card.ReviewID != "" {
		if err := n.reviews.AttachReviewMessage(ctx, card.ReviewID, n.client.ChannelID(), ts); err != nil {
			n.logger.Warn("attach review message failed", "review_id", card.ReviewID, "error", err)
		}
	}
	n.logger.Info("review requested",
		"conversation_id", req.ConversationID,
		"review_id", card.ReviewID,
		"confidence", req.Confidence,
	)
	return nil
}
