package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/whysosaket/intercom-agent/internal/catalogsync"
	"github.com/whysosaket/intercom-agent/internal/intercom"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/review"
	"github.com/whysosaket/intercom-agent/internal/trace"
)

const (
	MaxCandidates = 5

	defaultTarget    = 20
	maxScanPages     = 3
	scanPageSize     = 20
	streamParallel   = 4
	runMode          = "eval"
	failureReasoning = "Generation failed"
)

var ErrNoMessage = errors.New("customer message is required")

type Source interface {
	ListConversations(ctx context.Context, perPage int, startingAfter string) (intercom.Page, error)
	GetConversation(ctx context.Context, conversationID string) (intercom.Conversation, error)
}

type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
}

type Decider interface {
	Approve(ctx context.Context, decision review.Decision) (review.Outcome, error)
	Edit(ctx context.Context, decision review.Decision) (review.Outcome, error)
}

type Conversation struct {
	ConversationID string                `json:"conversation_id"`
	Contact        pipeline.Identity     `json:"contact"`
	Messages       []catalogsync.Message `json:"messages"`
	LatestMessage  string                `json:"latest_message"`
	CreatedAt      int64                 `json:"created_at,omitempty"`
	UpdatedAt      int64                 `json:"updated_at,omitempty"`
}

type GenerateRequest struct {
	ConversationID  string `json:"conversation_id"`
	CustomerMessage string `json:"customer_message"`
	UserID          string `json:"user_id,omitempty"`
	Count           int    `json:"count"`
}

type Candidate struct {
	Index           int                      `json:"index"`
	Text            string                   `json:"text"`
	Confidence      float64                  `json:"confidence"`
	Reasoning       string                   `json:"reasoning"`
	Outcome         pipeline.Outcome         `json:"outcome,omitempty"`
	RoutingDecision pipeline.RoutingDecision `json:"routing_decision,omitempty"`
	RunID           string                   `json:"run_id,omitempty"`
	Trace           trace.Run                `json:"pipeline_trace"`
	DurationMS      int64                    `json:"total_duration_ms"`
	Error           string                   `json:"error,omitempty"`
}

type Generation struct {
	ConversationID string      `json:"conversation_id"`
	Candidates     []Candidate `json:"candidates"`
}

type SendRequest struct {
	ConversationID  string `json:"conversation_id"`
	CustomerMessage string `json:"customer_message"`
	ResponseText    string `json:"response_text"`
	UserID          string `json:"user_id"`
	Edited          bool   `json:"edited"`
	Reasoning       string `json:"reasoning"`
	DecidedBy       string `json:"decided_by,omitempty"`
}

// Service backs the operator evaluation surface. Generation always runs the
// pipeline dry; only Send reaches the customer.
type Service struct {
	source  Source
	runner  Runner
	decider Decider
	logger  *slog.Logger
}

func New(source Source, runner Runner, decider Decider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, runner: runner, decider: decider, logger: logger.With("component", "eval")}
}

// Unanswered returns recent conversations that have customer messages and no
// support reply, scanning at most three pages.
func (s *Service) Unanswered(ctx context.Context, limit int) ([]Conversation, error) {
	if s.source == nil {
		return nil, intercom.ErrNotConfigured
	}
	if limit < 1 {
		limit = defaultTarget
	}
	conversations := make([]Conversation, 0, limit)
	cursor := ""
	for page := 0; page < maxScanPages && len(conversations) < limit; page++ {
		listed, err := s.source.ListConversations(ctx, scanPageSize, cursor)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		for _, summary := range listed.Conversations {
			if len(conversations) >= limit {
				break
			}
			if summary.ID == "" {
				continue
			}
			full, err := s.source.GetConversation(ctx, summary.ID)
			if err != nil {
				s.logger.Warn("fetch conversation failed, skipping", "conversation_id", summary.ID, "error", err)
				continue
			}
			latest, ok := catalogsync.FindUnanswered(full)
			if !ok {
				continue
			}
			author := full.Get("source.author")
			conversations = append(conversations, Conversation{
				ConversationID: summary.ID,
				Contact: pipeline.Identity{
					ID:    author.Get("id").String(),
					Name:  author.Get("name").String(),
					Email: author.Get("email").String(),
				},
				Messages:      catalogsync.ExtractMessages(full),
				LatestMessage: latest,
				CreatedAt:     full.Get("created_at").Int(),
				UpdatedAt:     full.Get("updated_at").Int(),
			})
		}
		if len(listed.Conversations) == 0 || listed.Next == "" {
			break
		}
		cursor = listed.Next
	}
	s.logger.Info("unanswered conversations found", "count", len(conversations))
	return conversations, nil
}

// ClampCount bounds a requested candidate count to 1..MaxCandidates.
func ClampCount(count int) int {
	switch {
	case count < 1:
		return 1
	case count > MaxCandidates:
		return MaxCandidates
	}
	return count
}

// Generate produces independent dry-run candidates in parallel. A failed
// candidate is reported in place and does not fail the request.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	message := strings.TrimSpace(req.CustomerMessage)
	if message == "" {
		return Generation{}, ErrNoMessage
	}
	count := ClampCount(req.Count)
	candidates := make([]Candidate, count)
	group, groupCtx := errgroup.WithContext(ctx)
	for index := range candidates {
		group.Go(func() error {
			candidates[index] = s.candidate(groupCtx, index, req.ConversationID, message, req.UserID)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Generation{}, err
	}
	return Generation{ConversationID: req.ConversationID, Candidates: candidates}, nil
}

func (s *Service) candidate(ctx context.Context, index int, conversationID, message, userID string) Candidate {
	result, err := s.runner.Run(ctx, pipeline.Input{
		ConversationID: conversationID,
		Body:           message,
		Identity:       identityFor(userID),
		DryRun:         true,
		Mode:           runMode,
	})
	candidate := Candidate{
		Index:           index,
		Text:            result.Response.Text,
		Confidence:      result.Response.Confidence,
		Reasoning:       result.Response.Reasoning,
		Outcome:         result.Outcome,
		RoutingDecision: result.PreCheck.Decision,
		RunID:           result.RunID,
		Trace:           result.Trace,
		DurationMS:      result.Trace.TotalMS,
	}
	if err != nil {
		s.logger.Error("candidate generation failed", "conversation_id", conversationID, "index", index, "error", err)
		candidate.Text = ""
		candidate.Confidence = 0
		candidate.Reasoning = failureReasoning
		candidate.Error = err.Error()
	}
	return candidate
}

// GenerateAll runs Generate for each request concurrently and hands every
// result to emit as soon as it is ready. emit is never called concurrently;
// an emit error stops the remaining work.
func (s *Service) GenerateAll(ctx context.Context, requests []GenerateRequest, emit func(Generation) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(streamParallel)
	var emitMu sync.Mutex
	for _, req := range requests {
		group.Go(func() error {
			generation, err := s.Generate(groupCtx, req)
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				generation = Generation{
					ConversationID: req.ConversationID,
					Candidates: []Candidate{{
						Reasoning: fmt.Sprintf("%s: %v", failureReasoning, err),
						Error:     err.Error(),
					}},
				}
			}
			emitMu.Lock()
			defer emitMu.Unlock()
			return emit(generation)
		})
	}
	return group.Wait()
}

// Send delivers a reviewed candidate through the human decision path.
func (s *Service) Send(ctx context.Context, req SendRequest) (review.Outcome, error) {
	if s.decider == nil {
		return review.Outcome{}, fmt.Errorf("no decision handler configured")
	}
	decision := review.Decision{
		ConversationID: strings.TrimSpace(req.ConversationID),
		CustomerText:   req.CustomerMessage,
		ResponseText:   req.ResponseText,
		UserID:         strings.TrimSpace(req.UserID),
		Reasoning:      req.Reasoning,
		DecidedBy:      req.DecidedBy,
	}
	if decision.UserID == "" {
		decision.UserID = decision.ConversationID
	}
	if decision.DecidedBy == "" {
		decision.DecidedBy = "eval"
	}
	if req.Edited {
		return s.decider.Edit(ctx, decision)
	}
	return s.decider.Approve(ctx, decision)
}

// identityFor maps an operator-supplied user id onto the memory scope: an
// email address scopes history, anything else stays an opaque id.
func identityFor(userID string) pipeline.Identity {
	userID = strings.TrimSpace(userID)
	if strings.Contains(userID, "@") {
		return pipeline.Identity{Email: userID}
	}
	return pipeline.Identity{ID: userID}
}
