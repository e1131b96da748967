package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			label TEXT,
			conversation_id TEXT,
			embedding BLOB,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_scope_created ON memories(scope, created_at_ns);`,
		`CREATE TABLE IF NOT EXISTS review_requests (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			customer_message TEXT NOT NULL,
			candidate_text TEXT NOT NULL,
			confidence REAL NOT NULL,
			reasoning TEXT,
			user_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			channel_id TEXT,
			message_ts TEXT,
			decided_by TEXT,
			final_text TEXT,
			created_at_unix INTEGER NOT NULL,
			decided_at_unix INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_review_requests_conversation ON review_requests(conversation_id, created_at_unix);`,
		`CREATE TABLE IF NOT EXISTS dispatch_dead_letters (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			body TEXT NOT NULL,
			identity_json TEXT,
			error_message TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			created_at_unix INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			routing_decision TEXT,
			outcome TEXT,
			confidence REAL,
			trace_json TEXT NOT NULL,
			created_at_unix INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_conversation ON pipeline_runs(conversation_id, created_at_unix);`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	alterQueries := []string{
		`ALTER TABLE review_requests ADD COLUMN routing_decision TEXT;`,
	}
	for _, query := range alterQueries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			message := strings.ToLower(err.Error())
			if strings.Contains(message, "duplicate column name") || strings.Contains(message, "no such table") {
				continue
			}
			return fmt.Errorf("run migration alter: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
