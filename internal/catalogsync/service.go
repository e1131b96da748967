package catalogsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whysosaket/intercom-agent/internal/intercom"
)

var ErrSyncRunning = errors.New("catalogue sync already running")

const (
	SnapshotFile = "intercom_conversations.json"
	LabelSynced  = "synced"

	pageSize      = 20
	fetchParallel = 4
)

type Source interface {
	ListConversations(ctx context.Context, perPage int, startingAfter string) (intercom.Page, error)
	GetConversation(ctx context.Context, conversationID string) (intercom.Conversation, error)
}

type Catalogue interface {
	AddCatalogueEntry(ctx context.Context, conversationID, content, label string) error
}

type Config struct {
	DataDir                    string
	PlatformName               string
	MaxConversations           int
	MaxMessagesPerConversation int
	MaxConversationChars       int
}

type Summary struct {
	Fetched        int       `json:"fetched"`
	Ingested       int       `json:"ingested"`
	SkippedEmpty   int       `json:"skipped_empty"`
	SkippedNoReply int       `json:"skipped_no_reply"`
	SkippedTooLong int       `json:"skipped_too_long"`
	Errors         int       `json:"errors"`
	SnapshotPath   string    `json:"snapshot_path,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	DurationMS     int64     `json:"duration_ms"`
}

// Service copies resolved Intercom conversations into the catalogue.
type Service struct {
	source    Source
	catalogue Catalogue
	cfg       Config
	logger    *slog.Logger
	running   atomic.Bool

	mu   sync.Mutex
	last *Summary
}

func New(source Source, catalogue Catalogue, cfg Config, logger *slog.Logger) *Service {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "data"
	}
	if strings.TrimSpace(cfg.PlatformName) == "" {
		cfg.PlatformName = "Intercom"
	}
	if cfg.MaxConversations < 1 {
		cfg.MaxConversations = 200
	}
	if cfg.MaxMessagesPerConversation < 1 {
		cfg.MaxMessagesPerConversation = 5
	}
	if cfg.MaxConversationChars < 1 {
		cfg.MaxConversationChars = 3000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, catalogue: catalogue, cfg: cfg, logger: logger.With("component", "catalogsync")}
}

// Last returns the summary of the most recent completed sync.
func (s *Service) Last() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

// Sync fetches, snapshots and ingests conversations. Only one sync runs at a
// time.
func (s *Service) Sync(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrSyncRunning
	}
	defer s.running.Store(false)

	started := time.Now().UTC()
	conversations, fetchErrors, err := s.fetch(ctx)
	if err != nil {
		return Summary{}, err
	}
	path, err := s.saveSnapshot(conversations)
	if err != nil {
		return Summary{}, err
	}
	summary := s.ingest(ctx, conversations)
	summary.Errors += fetchErrors
	summary.SnapshotPath = path
	return s.finish(summary, started), nil
}

// SyncFromSnapshot re-ingests a saved snapshot without calling Intercom.
func (s *Service) SyncFromSnapshot(ctx context.Context, path string) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrSyncRunning
	}
	defer s.running.Store(false)

	if strings.TrimSpace(path) == "" {
		path = filepath.Join(s.cfg.DataDir, SnapshotFile)
	}
	started := time.Now().UTC()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot struct {
		Conversations []json.RawMessage `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Summary{}, fmt.Errorf("decode snapshot: %w", err)
	}
	conversations := make([]intercom.Conversation, 0, len(snapshot.Conversations))
	for _, item := range snapshot.Conversations {
		conversation := intercom.Conversation{Raw: item}
		conversation.ID = conversation.Get("id").String()
		conversations = append(conversations, conversation)
	}
	summary := s.ingest(ctx, conversations)
	summary.SnapshotPath = path
	return s.finish(summary, started), nil
}

func (s *Service) finish(summary Summary, started time.Time) Summary {
	summary.StartedAt = started
	summary.DurationMS = time.Since(started).Milliseconds()
	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()
	s.logger.Info("catalogue sync complete",
		"fetched", summary.Fetched,
		"ingested", summary.Ingested,
		"skipped_no_reply", summary.SkippedNoReply,
		"skipped_too_long", summary.SkippedTooLong,
		"errors", summary.Errors,
	)
	return summary
}

// fetch pages through conversations and hydrates each one. Individual fetch
// failures are counted and skipped.
func (s *Service) fetch(ctx context.Context) ([]intercom.Conversation, int, error) {
	var ids []string
	cursor := ""
	for len(ids) < s.cfg.MaxConversations {
		page, err := s.source.ListConversations(ctx, pageSize, cursor)
		if err != nil {
			return nil, 0, fmt.Errorf("list conversations: %w", err)
		}
		for _, summary := range page.Conversations {
			if len(ids) >= s.cfg.MaxConversations {
				break
			}
			if summary.ID != "" {
				ids = append(ids, summary.ID)
			}
		}
		if len(page.Conversations) == 0 || page.Next == "" {
			break
		}
		cursor = page.Next
	}

	full := make([]intercom.Conversation, len(ids))
	var failures atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fetchParallel)
	for index, id := range ids {
		group.Go(func() error {
			conversation, err := s.source.GetConversation(groupCtx, id)
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				failures.Add(1)
				s.logger.Warn("fetch conversation failed, skipping", "conversation_id", id, "error", err)
				return nil
			}
			full[index] = conversation
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, 0, err
	}

	conversations := make([]intercom.Conversation, 0, len(full))
	for _, conversation := range full {
		if len(conversation.Raw) > 0 {
			conversations = append(conversations, conversation)
		}
	}
	return conversations, int(failures.Load()), nil
}

func (s *Service) saveSnapshot(conversations []intercom.Conversation) (string, error) {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	raws := make([]json.RawMessage, 0, len(conversations))
	for _, conversation := range conversations {
		raws = append(raws, conversation.Raw)
	}
	payload, err := json.MarshalIndent(map[string]any{
		"fetched_at":    time.Now().UTC().Format(time.RFC3339),
		"count":         len(raws),
		"conversations": raws,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	path := filepath.Join(s.cfg.DataDir, SnapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace snapshot: %w", err)
	}
	return path, nil
}

func (s *Service) ingest(ctx context.Context, conversations []intercom.Conversation) Summary {
	summary := Summary{Fetched: len(conversations)}
	for _, conversation := range conversations {
		if ctx.Err() != nil {
			summary.Errors++
			continue
		}
		messages := ExtractMessages(conversation)
		if len(messages) == 0 {
			summary.SkippedEmpty++
			continue
		}
		if !hasSupportReply(messages) {
			summary.SkippedNoReply++
			continue
		}
		if len(messages) > s.cfg.MaxMessagesPerConversation {
			messages = messages[:s.cfg.MaxMessagesPerConversation]
		}
		formatted := FormatConversation(s.cfg.PlatformName, conversation.ID, messages)
		if len(formatted) > s.cfg.MaxConversationChars {
			summary.SkippedTooLong++
			continue
		}
		if err := s.catalogue.AddCatalogueEntry(ctx, conversation.ID, formatted, LabelSynced); err != nil {
			s.logger.Warn("ingest conversation failed", "conversation_id", conversation.ID, "error", err)
			summary.Errors++
			continue
		}
		summary.Ingested++
	}
	return summary
}
