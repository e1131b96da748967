package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleCatalogue = "catalogue"
)

type MemoryRecord struct {
	ID             string
	Scope          string
	Role           string
	Content        string
	Label          string
	ConversationID string
	Embedding      []float32
	CreatedAt      time.Time
}

type AddMemoryInput struct {
	Scope          string
	Role           string
	Content        string
	Label          string
	ConversationID string
	Embedding      []float32
	CreatedAt      time.Time
}

func (s *Store) AddMemory(ctx context.Context, input AddMemoryInput) (MemoryRecord, error) {
	scope := strings.TrimSpace(input.Scope)
	content := strings.TrimSpace(input.Content)
	if scope == "" {
		return MemoryRecord{}, fmt.Errorf("memory scope is required")
	}
	if content == "" {
		return MemoryRecord{}, fmt.Errorf("memory content is required")
	}
	role := strings.TrimSpace(input.Role)
	if role == "" {
		role = RoleUser
	}
	createdAt := input.CreatedAt.UTC()
	if input.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	record := MemoryRecord{
		ID:             uuid.NewString(),
		Scope:          scope,
		Role:           role,
		Content:        content,
		Label:          strings.TrimSpace(input.Label),
		ConversationID: strings.TrimSpace(input.ConversationID),
		Embedding:      input.Embedding,
		CreatedAt:      createdAt,
	}
	var blob any
	if len(record.Embedding) > 0 {
		blob = encodeVector(record.Embedding)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO memories (id, scope, role, content, label, conversation_id, embedding, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Scope,
		record.Role,
		record.Content,
		nullIfEmpty(record.Label),
		nullIfEmpty(record.ConversationID),
		blob,
		createdAt.UnixNano(),
	)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("insert memory: %w", err)
	}
	return record, nil
}

// ListMemories returns the newest records of a scope, newest first.
func (s *Store) ListMemories(ctx context.Context, scope string, limit int) ([]MemoryRecord, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, nil
	}
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, scope, role, content, COALESCE(label, ''), COALESCE(conversation_id, ''), embedding, created_at_ns
		 FROM memories
		 WHERE scope = ?
		 ORDER BY created_at_ns DESC
		 LIMIT ?`,
		scope,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var records []MemoryRecord
	for rows.Next() {
		var (
			record    MemoryRecord
			blob      []byte
			createdAt int64
		)
		if err := rows.Scan(&record.ID, &record.Scope, &record.Role, &record.Content, &record.Label, &record.ConversationID, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		record.Embedding = decodeVector(blob)
		record.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return records, nil
}

func (s *Store) CountMemories(ctx context.Context, scope string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories WHERE scope = ?`, strings.TrimSpace(scope)).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return count, nil
}

func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, value := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(value))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}
