package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrReviewNotFound = errors.New("review request not found")
	ErrReviewResolved = errors.New("review request already resolved")
)

const (
	ReviewStatusPending  = "pending"
	ReviewStatusApproved = "approved"
	ReviewStatusEdited   = "edited"
	ReviewStatusRejected = "rejected"
)

type ReviewRequest struct {
	ID              string
	ConversationID  string
	CustomerMessage string
	CandidateText   string
	Confidence      float64
	Reasoning       string
	UserID          string
	RoutingDecision string
	Status          string
	ChannelID       string
	MessageTS       string
	DecidedBy       string
	FinalText       string
	CreatedAt       time.Time
	DecidedAt       time.Time
}

type CreateReviewRequestInput struct {
	ConversationID  string
	CustomerMessage string
	CandidateText   string
	Confidence      float64
	Reasoning       string
	UserID          string
	RoutingDecision string
}

type ResolveReviewInput struct {
	ID        string
	Status    string
	DecidedBy string
	FinalText string
}

func (s *Store) CreateReviewRequest(ctx context.Context, input CreateReviewRequestInput) (ReviewRequest, error) {
	conversationID := strings.TrimSpace(input.ConversationID)
	if conversationID == "" {
		return ReviewRequest{}, fmt.Errorf("conversation id is required")
	}
	now := time.Now().UTC()
	record := ReviewRequest{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		CustomerMessage: input.CustomerMessage,
		CandidateText:   input.CandidateText,
		Confidence:      input.Confidence,
		Reasoning:       input.Reasoning,
		UserID:          strings.TrimSpace(input.UserID),
		RoutingDecision: strings.TrimSpace(input.RoutingDecision),
		Status:          ReviewStatusPending,
		CreatedAt:       now,
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO review_requests (
			id, conversation_id, customer_message, candidate_text, confidence, reasoning,
			user_id, routing_decision, status, created_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.ConversationID,
		record.CustomerMessage,
		record.CandidateText,
		record.Confidence,
		nullIfEmpty(record.Reasoning),
		nullIfEmpty(record.UserID),
		nullIfEmpty(record.RoutingDecision),
		record.Status,
		now.Unix(),
	)
	if err != nil {
		return ReviewRequest{}, fmt.Errorf("insert review request: %w", err)
	}
	return record, nil
}

// AttachReviewMessage records where the notification for a review was posted.
func (s *Store) AttachReviewMessage(ctx context.Context, id, channelID, messageTS string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE review_requests SET channel_id = ?, message_ts = ? WHERE id = ?`,
		nullIfEmpty(channelID),
		nullIfEmpty(messageTS),
		strings.TrimSpace(id),
	)
	if err != nil {
		return fmt.Errorf("attach review message: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach review message rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrReviewNotFound
	}
	return nil
}

func (s *Store) LookupReviewRequest(ctx context.Context, id string) (ReviewRequest, error) {
	row := s.db.QueryRowContext(ctx, reviewSelect+` WHERE id = ?`, strings.TrimSpace(id))
	return scanReview(row)
}

// LookupPendingReview returns the newest pending review for a conversation.
func (s *Store) LookupPendingReview(ctx context.Context, conversationID string) (ReviewRequest, error) {
	row := s.db.QueryRowContext(
		ctx,
		reviewSelect+` WHERE conversation_id = ? AND status = 'pending' ORDER BY created_at_unix DESC LIMIT 1`,
		strings.TrimSpace(conversationID),
	)
	return scanReview(row)
}

func (s *Store) ListReviewRequests(ctx context.Context, status string, limit int) ([]ReviewRequest, error) {
	if limit < 1 {
		limit = 50
	}
	query := reviewSelect
	args := []any{}
	if status = strings.TrimSpace(status); status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at_unix DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review requests: %w", err)
	}
	defer rows.Close()
	var records []ReviewRequest
	for rows.Next() {
		record, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review requests: %w", err)
	}
	return records, nil
}

// ResolveReviewRequest moves a pending review to a terminal status exactly once.
func (s *Store) ResolveReviewRequest(ctx context.Context, input ResolveReviewInput) (ReviewRequest, error) {
	status := strings.TrimSpace(input.Status)
	switch status {
	case ReviewStatusApproved, ReviewStatusEdited, ReviewStatusRejected:
	default:
		return ReviewRequest{}, fmt.Errorf("invalid review status %q", status)
	}
	id := strings.TrimSpace(input.ID)
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE review_requests
		 SET status = ?, decided_by = ?, final_text = ?, decided_at_unix = ?
		 WHERE id = ? AND status = 'pending'`,
		status,
		nullIfEmpty(input.DecidedBy),
		nullIfEmpty(input.FinalText),
		time.Now().UTC().Unix(),
		id,
	)
	if err != nil {
		return ReviewRequest{}, fmt.Errorf("resolve review request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return ReviewRequest{}, fmt.Errorf("resolve review rows affected: %w", err)
	}
	if rowsAffected == 0 {
		existing, lookupErr := s.LookupReviewRequest(ctx, id)
		if lookupErr != nil {
			return ReviewRequest{}, lookupErr
		}
		return existing, ErrReviewResolved
	}
	return s.LookupReviewRequest(ctx, id)
}

// ReopenReviewRequest returns a review resolved with status to pending, used
// when the resolved answer could not be delivered.
func (s *Store) ReopenReviewRequest(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE review_requests
		 SET status = 'pending', decided_by = NULL, final_text = NULL, decided_at_unix = NULL
		 WHERE id = ? AND status = ?`,
		strings.TrimSpace(id),
		strings.TrimSpace(status),
	)
	if err != nil {
		return fmt.Errorf("reopen review request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reopen review rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrReviewNotFound
	}
	return nil
}

const reviewSelect = `SELECT id, conversation_id, customer_message, candidate_text, confidence,
	COALESCE(reasoning, ''), COALESCE(user_id, ''), COALESCE(routing_decision, ''), status,
	COALESCE(channel_id, ''), COALESCE(message_ts, ''), COALESCE(decided_by, ''), COALESCE(final_text, ''),
	created_at_unix, COALESCE(decided_at_unix, 0)
	FROM review_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (ReviewRequest, error) {
	var (
		record    ReviewRequest
		createdAt int64
		decidedAt int64
	)
	err := row.Scan(
		&record.ID,
		&record.ConversationID,
		&record.CustomerMessage,
		&record.CandidateText,
		&record.Confidence,
		&record.Reasoning,
		&record.UserID,
		&record.RoutingDecision,
		&record.Status,
		&record.ChannelID,
		&record.MessageTS,
		&record.DecidedBy,
		&record.FinalText,
		&createdAt,
		&decidedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ReviewRequest{}, ErrReviewNotFound
	}
	if err != nil {
		return ReviewRequest{}, fmt.Errorf("scan review request: %w", err)
	}
	record.CreatedAt = time.Unix(createdAt, 0).UTC()
	if decidedAt > 0 {
		record.DecidedAt = time.Unix(decidedAt, 0).UTC()
	}
	return record, nil
}
