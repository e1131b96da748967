package pipeline

import (
	"context"
	"strings"
)

// RoutingDecision is produced once per run by the classifier and selects the
// stages that execute afterwards.
type RoutingDecision string

const (
	DecisionGreeting     RoutingDecision = "GREETING"
	DecisionClarifyIssue RoutingDecision = "CLARIFY_ISSUE"
	DecisionEscalate     RoutingDecision = "ESCALATE"
	DecisionKBOnly       RoutingDecision = "KB_ONLY"
	DecisionFullPipeline RoutingDecision = "FULL_PIPELINE"
)

// ParseRoutingDecision accepts both the upper case constants and the lower
// case names completion models tend to return.
func ParseRoutingDecision(value string) (RoutingDecision, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "greeting":
		return DecisionGreeting, true
	case "clarify_issue", "clarify":
		return DecisionClarifyIssue, true
	case "escalate":
		return DecisionEscalate, true
	case "kb_only":
		return DecisionKBOnly, true
	case "full_pipeline":
		return DecisionFullPipeline, true
	default:
		return "", false
	}
}

// ShortCircuits reports whether the run ends without generation.
func (d RoutingDecision) ShortCircuits() bool {
	switch d {
	case DecisionGreeting, DecisionClarifyIssue, DecisionEscalate:
		return true
	default:
		return false
	}
}

func (d RoutingDecision) PermitsFallback() bool {
	return d == DecisionFullPipeline
}

type Outcome string

const (
	OutcomeAutoSent      Outcome = "AUTO_SENT"
	OutcomePendingReview Outcome = "PENDING_REVIEW"
)

type QuestionType string

const (
	QuestionTechnical    QuestionType = "technical"
	QuestionNonTechnical QuestionType = "non_technical"
)

// Identity is the sender record carried by an inbound message.
type Identity struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// MemoryKey is the scope exchanges are stored under: the email when known,
// otherwise the conversation id.
func (i Identity) MemoryKey(conversationID string) string {
	if email := strings.TrimSpace(i.Email); email != "" {
		return email
	}
	return strings.TrimSpace(conversationID)
}

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type KnowledgeMatch struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

type MemoryContext struct {
	History         []Turn           `json:"history"`
	Matches         []KnowledgeMatch `json:"matches"`
	ConfidenceBoost float64          `json:"confidence_boost"`
}

func (m MemoryContext) TopScore() float64 {
	top := 0.0
	for _, match := range m.Matches {
		if match.Score > top {
			top = match.Score
		}
	}
	return top
}

type PreCheckResult struct {
	Decision              RoutingDecision `json:"routing_decision"`
	QuestionType          QuestionType    `json:"question_type"`
	IntentCategory        string          `json:"intent_category,omitempty"`
	RequiresHuman         bool            `json:"requires_human_intervention"`
	IsFollowup            bool            `json:"is_followup"`
	FollowupContext       string          `json:"followup_context,omitempty"`
	AnswerableFromContext bool            `json:"answerable_from_context"`
	ConfidenceHint        float64         `json:"confidence_hint"`
	ShortCircuitText      string          `json:"short_circuit_text,omitempty"`
	Reasoning             string          `json:"reasoning,omitempty"`
}

// DefaultPreCheck is what the run proceeds with when classification is
// disabled or fails.
func DefaultPreCheck(reasoning string) PreCheckResult {
	return PreCheckResult{
		Decision:              DecisionFullPipeline,
		QuestionType:          QuestionTechnical,
		AnswerableFromContext: true,
		Reasoning:             reasoning,
	}
}

type GeneratedResponse struct {
	Text                  string  `json:"text"`
	Confidence            float64 `json:"confidence"`
	Reasoning             string  `json:"reasoning"`
	RequiresHuman         bool    `json:"requires_human_intervention"`
	AnswerableFromContext bool    `json:"answerable_from_context"`
	IsFollowup            bool    `json:"is_followup"`
	FollowupContext       string  `json:"followup_context,omitempty"`
}

type FallbackAnswer struct {
	Text       string   `json:"answer_text"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Sources    []string `json:"sources"`
}

// ReviewRequest is what a human reviewer sees for a PENDING_REVIEW outcome.
type ReviewRequest struct {
	ConversationID  string
	CustomerText    string
	CandidateText   string
	Confidence      float64
	Reasoning       string
	UserKey         string
	Identity        Identity
	RoutingDecision RoutingDecision
}

type MemoryProvider interface {
	FetchContext(ctx context.Context, userKey, query string) (MemoryContext, error)
	StoreExchange(ctx context.Context, userKey, conversationID, customerText, responseText string) error
	StoreToCatalogue(ctx context.Context, conversationID, customerText, responseText, label string) error
}

type FallbackAnswerer interface {
	Answer(ctx context.Context, question string) (FallbackAnswer, error)
}

type ReplySink interface {
	Reply(ctx context.Context, conversationID, text string) error
}

type ReviewSink interface {
	SendReviewRequest(ctx context.Context, request ReviewRequest) error
}

// Clamp bounds a confidence value to [0, 1].
func Clamp(value float64) float64 {
	switch {
	case value != value:
		return 0
	case value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}
