package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/review"
	"github.com/whysosaket/intercom-agent/internal/trace"
)

type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
}

type Decider interface {
	Approve(ctx context.Context, decision review.Decision) (review.Outcome, error)
	Edit(ctx context.Context, decision review.Decision) (review.Outcome, error)
}

type ExchangeStore interface {
	StoreExchange(ctx context.Context, userKey, conversationID, customerText, responseText string) error
}

// LocalReplies is a reply sink that goes nowhere; decisions taken in a chat
// session are answered inside the session itself.
type LocalReplies struct{}

func (LocalReplies) Reply(context.Context, string, string) error { return nil }

type Reply struct {
	MessageIndex int             `json:"message_index"`
	Message      Message         `json:"message"`
	AutoSent     bool            `json:"auto_sent"`
	Result       pipeline.Result `json:"result"`
}

type ActionResult struct {
	Action       string  `json:"action"`
	MessageIndex int     `json:"message_index"`
	Message      Message `json:"message"`
	Catalogued   string  `json:"catalogued,omitempty"`
}

// Service drives debug chat sessions through the real pipeline without
// touching Intercom or Slack.
type Service struct {
	sessions  *Manager
	runner    Runner
	decider   Decider
	exchanges ExchangeStore
	logger    *slog.Logger
}

func NewService(sessions *Manager, runner Runner, decider Decider, exchanges ExchangeStore, logger *slog.Logger) *Service {
	if sessions == nil {
		sessions = NewManager()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions:  sessions,
		runner:    runner,
		decider:   decider,
		exchanges: exchanges,
		logger:    logger.With("component", "chat"),
	}
}

func (s *Service) Sessions() *Manager {
	return s.sessions
}

// Send runs a dry pipeline for the user's text. Confident answers are marked
// sent and remembered, the rest wait for a decision. onStep, when set,
// receives every trace step as it finishes.
func (s *Service) Send(ctx context.Context, sessionID, text string, onStep func(trace.Step)) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, fmt.Errorf("message content is required")
	}
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return Reply{}, err
	}
	if _, err := s.sessions.append(sessionID, Message{Role: RoleUser, Content: text, Status: StatusSent}); err != nil {
		return Reply{}, err
	}

	result, err := s.runner.Run(ctx, pipeline.Input{
		ConversationID: session.ConversationID,
		Body:           text,
		Identity:       pipeline.Identity{ID: session.UserID},
		DryRun:         true,
		Mode:           "chat",
		OnStep:         onStep,
	})
	if err != nil {
		s.sessions.append(sessionID, Message{Role: RoleSystem, Content: "pipeline failed: " + err.Error(), Status: StatusSent})
		return Reply{}, fmt.Errorf("run pipeline: %w", err)
	}

	confidence := result.Response.Confidence
	message := Message{
		Role:       RoleAssistant,
		Content:    result.Response.Text,
		Confidence: &confidence,
		Reasoning:  result.Response.Reasoning,
		Status:     StatusPendingReview,
		RunID:      result.RunID,
	}
	autoSent := result.Outcome == pipeline.OutcomeAutoSent
	if autoSent {
		message.Status = StatusSent
		if s.exchanges != nil {
			if err := s.exchanges.StoreExchange(ctx, result.UserKey, session.ConversationID, text, message.Content); err != nil {
				s.logger.Warn("store chat exchange failed", "session_id", sessionID, "error", err)
			}
		}
	}
	index, err := s.sessions.append(sessionID, message)
	if err != nil {
		return Reply{}, err
	}
	s.logger.Info("chat message answered",
		"session_id", sessionID,
		"conversation_id", session.ConversationID,
		"outcome", result.Outcome,
		"confidence", confidence,
	)
	return Reply{MessageIndex: index, Message: message, AutoSent: autoSent, Result: result}, nil
}

func (s *Service) Approve(ctx context.Context, sessionID string, index int) (ActionResult, error) {
	return s.decide(ctx, sessionID, index, "approve", "")
}

func (s *Service) Edit(ctx context.Context, sessionID string, index int, text string) (ActionResult, error) {
	if strings.TrimSpace(text) == "" {
		return ActionResult{}, fmt.Errorf("edited content is required")
	}
	return s.decide(ctx, sessionID, index, "edit", text)
}

func (s *Service) Reject(_ context.Context, sessionID string, index int) (ActionResult, error) {
	message, index, err := s.sessions.update(sessionID, index, func(message *Message) error {
		if message.Role != RoleAssistant || message.Status != StatusPendingReview {
			return ErrNotReviewable
		}
		message.Status = StatusRejected
		return nil
	})
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Action: "reject", MessageIndex: index, Message: message}, nil
}

// decide claims the pending message first so a second click cannot store the
// exchange twice, then applies the decision through the review path.
func (s *Service) decide(ctx context.Context, sessionID string, index int, action, edited string) (ActionResult, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return ActionResult{}, err
	}
	var previous Message
	message, index, err := s.sessions.update(sessionID, index, func(message *Message) error {
		if message.Role != RoleAssistant || message.Status != StatusPendingReview {
			return ErrNotReviewable
		}
		previous = *message
		if action == "edit" {
			message.Content = edited
			message.Status = StatusEdited
		} else {
			message.Status = StatusApproved
		}
		return nil
	})
	if err != nil {
		return ActionResult{}, err
	}

	decision := review.Decision{
		ConversationID: session.ConversationID,
		CustomerText:   precedingUserText(session.Messages, index),
		ResponseText:   message.Content,
		UserID:         session.ConversationID,
		Reasoning:      message.Reasoning,
		DecidedBy:      "chat",
	}
	var outcome review.Outcome
	if action == "edit" {
		outcome, err = s.decider.Edit(ctx, decision)
	} else {
		outcome, err = s.decider.Approve(ctx, decision)
	}
	if err != nil {
		s.sessions.update(sessionID, index, func(message *Message) error {
			*message = previous
			return nil
		})
		return ActionResult{}, err
	}
	return ActionResult{Action: action, MessageIndex: index, Message: message, Catalogued: outcome.Catalogued}, nil
}
