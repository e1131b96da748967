package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/company"
	"github.com/whysosaket/intercom-agent/internal/llm"
	"github.com/whysosaket/intercom-agent/internal/trace"
)

const (
	// MaxJudgeBoost caps how far the judge may raise a confidence.
	MaxJudgeBoost = 0.05
	// VetoConfidence is the confidence of every vetoed answer.
	VetoConfidence = 0.2
)

type RefinerConfig struct {
	Enabled bool
	Model   string
	Timeout time.Duration
	Profile company.Profile
}

// Refiner fixes tone and format, re-judges confidence and can veto answers
// that do not address the question.
type Refiner struct {
	completer    llm.Completer
	cfg          RefinerConfig
	logger       *slog.Logger
	systemPrompt string
}

func NewRefiner(completer llm.Completer, cfg RefinerConfig, logger *slog.Logger) *Refiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{
		completer:    completer,
		cfg:          cfg,
		logger:       logger.With("component", "refiner"),
		systemPrompt: buildRefinerSystemPrompt(cfg.Profile),
	}
}

func (r *Refiner) Initialize(context.Context) error {
	r.logger.Info("refiner initialized", "enabled", r.enabled(), "model", r.cfg.Model)
	return nil
}

func (r *Refiner) Shutdown(context.Context) error {
	return nil
}

func (r *Refiner) enabled() bool {
	return r != nil && r.cfg.Enabled && r.completer != nil
}

type refinerPayload struct {
	RefinedText               *string  `json:"refined_text"`
	FinalConfidence           *float64 `json:"final_confidence"`
	Reasoning                 string   `json:"reasoning"`
	ResponseAddressesQuestion *bool    `json:"response_addresses_question"`
}

// Refine returns the input unchanged when disabled, when the text is blank,
// or on any failure. Failures also return an ErrRefinement error for logging.
func (r *Refiner) Refine(ctx context.Context, message string, response GeneratedResponse, history []Turn) (GeneratedResponse, error) {
	recorder := trace.FromContext(ctx)
	if !r.enabled() {
		recorder.Skip(ctx, "refine", "llm_call", "refiner disabled")
		return response, nil
	}
	if strings.TrimSpace(response.Text) == "" {
		recorder.Skip(ctx, "refine", "llm_call", "empty response")
		return response, nil
	}

	ctx, span := recorder.Start(ctx, "refine", "llm_call", fmt.Sprintf("model=%s confidence=%.2f", r.cfg.Model, response.Confidence))
	defer span.End()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	var payload refinerPayload
	err := llm.CompleteInto(ctx, r.completer, llm.Request{
		Model:        r.cfg.Model,
		SystemPrompt: r.systemPrompt,
		UserPrompt:   buildRefinerUserPrompt(message, response, history),
	}, &payload)
	addresses := payload.ResponseAddressesQuestion == nil || *payload.ResponseAddressesQuestion
	if err == nil && payload.FinalConfidence == nil {
		err = fmt.Errorf("%w: final_confidence missing", llm.ErrInvalidJSON)
	}
	if err == nil && addresses && (payload.RefinedText == nil || strings.TrimSpace(*payload.RefinedText) == "") {
		err = fmt.Errorf("%w: refined_text missing", llm.ErrInvalidJSON)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", agenterr.ErrRefinement, err)
		span.Fail(err)
		r.logger.Warn("refinement failed, keeping original response", "error", err)
		return response, err
	}

	refinedText := ""
	if payload.RefinedText != nil {
		refinedText = strings.TrimSpace(*payload.RefinedText)
	}
	refined := ApplyJudgement(response, refinedText, *payload.FinalConfidence, addresses)
	span.SetOutput(fmt.Sprintf("confidence %.2f -> %.2f addresses_question=%t", response.Confidence, refined.Confidence, addresses))
	span.SetDetail("refiner_reasoning", payload.Reasoning)
	span.SetDetail("refined_preview", trace.Truncate(refined.Text, 200))
	r.logger.Info("response refined",
		"confidence_before", response.Confidence,
		"confidence", refined.Confidence,
		"addresses_question", addresses,
	)
	return refined, nil
}

// ApplyJudgement merges the refiner verdict into the incoming response. The
// judge may lower confidence freely but raise it by at most MaxJudgeBoost.
// A relevance veto overrides everything else.
func ApplyJudgement(incoming GeneratedResponse, refinedText string, judged float64, addressesQuestion bool) GeneratedResponse {
	if !addressesQuestion {
		return Veto(incoming)
	}
	confidence := Clamp(judged)
	if ceiling := Clamp(incoming.Confidence + MaxJudgeBoost); confidence > ceiling {
		confidence = ceiling
	}
	return GeneratedResponse{
		Text:                  refinedText,
		Confidence:            confidence,
		Reasoning:             incoming.Reasoning,
		RequiresHuman:         incoming.RequiresHuman,
		AnswerableFromContext: incoming.AnswerableFromContext,
		IsFollowup:            incoming.IsFollowup,
		FollowupContext:       incoming.FollowupContext,
	}
}

// Veto empties the answer and forces escalation regardless of its confidence.
func Veto(incoming GeneratedResponse) GeneratedResponse {
	return GeneratedResponse{
		Text:                  "",
		Confidence:            VetoConfidence,
		Reasoning:             incoming.Reasoning,
		RequiresHuman:         true,
		AnswerableFromContext: false,
		IsFollowup:            incoming.IsFollowup,
		FollowupContext:       incoming.FollowupContext,
	}
}
