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

var ErrPipelineRunNotFound = errors.New("pipeline run not found")

type DeadLetter struct {
	ID             string
	ConversationID string
	Body           string
	IdentityJSON   string
	ErrorMessage   string
	Attempts       int
	CreatedAt      time.Time
}

type RecordDeadLetterInput struct {
	ConversationID string
	Body           string
	IdentityJSON   string
	ErrorMessage   string
	Attempts       int
}

func (s *Store) RecordDeadLetter(ctx context.Context, input RecordDeadLetterInput) (DeadLetter, error) {
	record := DeadLetter{
		ID:             uuid.NewString(),
		ConversationID: strings.TrimSpace(input.ConversationID),
		Body:           input.Body,
		IdentityJSON:   input.IdentityJSON,
		ErrorMessage:   strings.TrimSpace(input.ErrorMessage),
		Attempts:       input.Attempts,
		CreatedAt:      time.Now().UTC(),
	}
	if record.ConversationID == "" {
		return DeadLetter{}, fmt.Errorf("conversation id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dispatch_dead_letters (id, conversation_id, body, identity_json, error_message, attempts, created_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.ConversationID,
		record.Body,
		nullIfEmpty(record.IdentityJSON),
		record.ErrorMessage,
		record.Attempts,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("insert dead letter: %w", err)
	}
	return record, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, conversation_id, body, COALESCE(identity_json, ''), error_message, attempts, created_at_unix
		 FROM dispatch_dead_letters ORDER BY created_at_unix DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var records []DeadLetter
	for rows.Next() {
		var (
			record    DeadLetter
			createdAt int64
		)
		if err := rows.Scan(&record.ID, &record.ConversationID, &record.Body, &record.IdentityJSON, &record.ErrorMessage, &record.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		record.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, record)
	}
	return records, rows.Err()
}

type PipelineRun struct {
	ID              string
	ConversationID  string
	Mode            string
	RoutingDecision string
	Outcome         string
	Confidence      float64
	TraceJSON       string
	CreatedAt       time.Time
}

func (s *Store) SavePipelineRun(ctx context.Context, run PipelineRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("pipeline run id is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (id, conversation_id, mode, routing_decision, outcome, confidence, trace_json, created_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.ConversationID,
		run.Mode,
		nullIfEmpty(run.RoutingDecision),
		nullIfEmpty(run.Outcome),
		run.Confidence,
		run.TraceJSON,
		run.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}
	return nil
}

func (s *Store) LookupPipelineRun(ctx context.Context, id string) (PipelineRun, error) {
	var (
		run       PipelineRun
		createdAt int64
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, conversation_id, mode, COALESCE(routing_decision, ''), COALESCE(outcome, ''), COALESCE(confidence, 0), trace_json, created_at_unix
		 FROM pipeline_runs WHERE id = ?`,
		strings.TrimSpace(id),
	).Scan(&run.ID, &run.ConversationID, &run.Mode, &run.RoutingDecision, &run.Outcome, &run.Confidence, &run.TraceJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PipelineRun{}, ErrPipelineRunNotFound
	}
	if err != nil {
		return PipelineRun{}, fmt.Errorf("lookup pipeline run: %w", err)
	}
	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	return run, nil
}
