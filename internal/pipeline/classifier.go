package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/company"
	"github.com/whysosaket/intercom-agent/internal/llm"
	"github.com/whysosaket/intercom-agent/internal/trace"
)

const (
	defaultGreetingReply = "Hey, how can I help you?"
	defaultClarifyReply  = "Sorry you are running into trouble. Could you share the exact error message you see and the steps that led to it?"
)

type ClassifierConfig struct {
	Enabled bool
	Model   string
	Timeout time.Duration
	Profile company.Profile
}

// Classifier assigns a RoutingDecision before any generation call is made.
type Classifier struct {
	completer    llm.Completer
	cfg          ClassifierConfig
	logger       *slog.Logger
	systemPrompt string
}

func NewClassifier(completer llm.Completer, cfg ClassifierConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		completer:    completer,
		cfg:          cfg,
		logger:       logger.With("component", "classifier"),
		systemPrompt: buildClassifierSystemPrompt(cfg.Profile),
	}
}

func (c *Classifier) Initialize(context.Context) error {
	c.logger.Info("classifier initialized", "enabled", c.enabled(), "model", c.cfg.Model)
	return nil
}

func (c *Classifier) Shutdown(context.Context) error {
	return nil
}

func (c *Classifier) enabled() bool {
	return c != nil && c.cfg.Enabled && c.completer != nil
}

type classifierPayload struct {
	IntentCategory        string  `json:"intent_category"`
	QuestionType          string  `json:"question_type"`
	RoutingDecision       string  `json:"routing_decision"`
	RequiresHuman         bool    `json:"requires_human_intervention"`
	IsFollowup            bool    `json:"is_followup"`
	FollowupContext       string  `json:"followup_context"`
	AnswerableFromContext *bool   `json:"answerable_from_context"`
	Reasoning             string  `json:"reasoning"`
	ConfidenceHint        float64 `json:"confidence_hint"`
	GreetingResponse      string  `json:"greeting_response"`
	ClarifyResponse       string  `json:"clarify_response"`
}

// Classify never drops a message: when the classifier is disabled the default
// FULL_PIPELINE result is returned with a nil error, and when it fails the
// same default is returned together with an ErrClassification error.
func (c *Classifier) Classify(ctx context.Context, message string, memory MemoryContext) (PreCheckResult, error) {
	recorder := trace.FromContext(ctx)
	if !c.enabled() {
		recorder.Skip(ctx, "precheck", "llm_call", "classifier disabled")
		return DefaultPreCheck("classifier disabled"), nil
	}

	ctx, span := recorder.Start(ctx, "precheck", "llm_call", fmt.Sprintf("model=%s message_len=%d", c.cfg.Model, len(message)))
	defer span.End()

	if quick, ok := quickClassify(message); ok {
		span.SetOutput(fmt.Sprintf("route=%s (keyword match)", quick.Decision))
		span.SetDetail("intent_category", quick.IntentCategory)
		return quick, nil
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	var payload classifierPayload
	err := llm.CompleteInto(ctx, c.completer, llm.Request{
		Model:        c.cfg.Model,
		SystemPrompt: c.systemPrompt,
		UserPrompt:   buildClassifierUserPrompt(message, memory),
	}, &payload)
	if err != nil {
		err = fmt.Errorf("%w: %w", agenterr.ErrClassification, err)
		span.Fail(err)
		return DefaultPreCheck("classification failed, defaulting to full pipeline"), err
	}

	result := payload.toResult()
	span.SetOutput(fmt.Sprintf("route=%s type=%s human=%t", result.Decision, result.QuestionType, result.RequiresHuman))
	span.SetDetail("intent_category", result.IntentCategory)
	span.SetDetail("is_followup", result.IsFollowup)
	span.SetDetail("answerable_from_context", result.AnswerableFromContext)
	span.SetDetail("confidence_hint", result.ConfidenceHint)
	span.SetDetail("reasoning", result.Reasoning)
	c.logger.Info("message classified",
		"routing_decision", result.Decision,
		"question_type", result.QuestionType,
		"requires_human", result.RequiresHuman,
		"is_followup", result.IsFollowup,
	)
	return result, nil
}

func (p classifierPayload) toResult() PreCheckResult {
	decision, ok := ParseRoutingDecision(p.RoutingDecision)
	if !ok {
		decision = DecisionFullPipeline
	}
	questionType := QuestionTechnical
	if strings.EqualFold(strings.TrimSpace(p.QuestionType), string(QuestionNonTechnical)) {
		questionType = QuestionNonTechnical
	}
	answerable := true
	if p.AnswerableFromContext != nil {
		answerable = *p.AnswerableFromContext
	}
	if p.RequiresHuman && decision != DecisionGreeting && decision != DecisionClarifyIssue {
		decision = DecisionEscalate
	}
	result := PreCheckResult{
		Decision:              decision,
		QuestionType:          questionType,
		IntentCategory:        strings.TrimSpace(p.IntentCategory),
		RequiresHuman:         p.RequiresHuman,
		IsFollowup:            p.IsFollowup,
		FollowupContext:       strings.TrimSpace(p.FollowupContext),
		AnswerableFromContext: answerable,
		ConfidenceHint:        Clamp(p.ConfidenceHint),
		Reasoning:             strings.TrimSpace(p.Reasoning),
	}
	switch decision {
	case DecisionGreeting:
		result.ConfidenceHint = 1
		result.ShortCircuitText = firstNonEmpty(p.GreetingResponse, defaultGreetingReply)
	case DecisionClarifyIssue:
		result.ConfidenceHint = 1
		result.ShortCircuitText = firstNonEmpty(p.ClarifyResponse, defaultClarifyReply)
	}
	return result
}

var greetingPhrases = map[string]struct{}{
	"hi": {}, "hey": {}, "hello": {}, "yo": {}, "hiya": {}, "howdy": {},
	"hi there": {}, "hey there": {}, "hello there": {},
	"good morning": {}, "good afternoon": {}, "good evening": {},
	"what's up": {}, "whats up": {}, "sup": {},
}

// humanRequestPatterns match explicit requests for a person, not mentions.
var humanRequestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(please )?(talk|speak|chat) (to|with) (a |an )?(human|person|real person|real human|agent|someone|representative|manager)( please)?$`),
	regexp.MustCompile(`\b(let me|can i|could i|may i|i want to|i wanna|i'd like to|i would like to|i need to) (talk|speak|chat) (to|with) (a |an |some )?(human|person|real person|real human|agent|someone|representative|manager)\b`),
	regexp.MustCompile(`\b(connect|transfer) me (to|with) (a |an )?(human|person|agent|support|someone|representative)\b`),
	regexp.MustCompile(`^(please )?transfer me$`),
	regexp.MustCompile(`\bi need (a )?human( help)?\b`),
	regexp.MustCompile(`\bget me a (human|person|manager)\b`),
	regexp.MustCompile(`^(please )?escalate this\b`),
	regexp.MustCompile(`\bthis bot is not helping\b`),
	regexp.MustCompile(`^(human|agent|real person) please$`),
}

// quickClassify resolves the unambiguous cases without a completion call.
func quickClassify(message string) (PreCheckResult, bool) {
	normalized := normalizeForClassify(message)
	if normalized == "" {
		return PreCheckResult{}, false
	}
	if _, ok := greetingPhrases[normalized]; ok {
		return PreCheckResult{
			Decision:              DecisionGreeting,
			QuestionType:          QuestionNonTechnical,
			IntentCategory:        "greeting",
			AnswerableFromContext: true,
			ConfidenceHint:        1,
			ShortCircuitText:      defaultGreetingReply,
			Reasoning:             "bare greeting",
		}, true
	}
	for _, pattern := range humanRequestPatterns {
		if pattern.MatchString(normalized) {
			return PreCheckResult{
				Decision:       DecisionEscalate,
				QuestionType:   QuestionNonTechnical,
				IntentCategory: "user_asked_for_human",
				RequiresHuman:  true,
				Reasoning:      "customer asked for a human",
			}, true
		}
	}
	return PreCheckResult{}, false
}

func normalizeForClassify(message string) string {
	lowered := strings.ToLower(strings.TrimSpace(message))
	lowered = strings.TrimRight(lowered, "!.?, ")
	return strings.Join(strings.Fields(lowered), " ")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
