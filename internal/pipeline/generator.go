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
	// BoostGate is the raw confidence a primary answer needs before any
	// knowledge match boost applies.
	BoostGate = 0.7

	FallbackReasoningPrefix = "[Fallback]"
)

type GeneratorConfig struct {
	Model     string
	Threshold float64
	Timeout   time.Duration
	// FallbackTimeout bounds the fallback answerer separately; it defaults to
	// Timeout.
	FallbackTimeout time.Duration
	// RequireStrictlyGreater keeps the primary answer when the fallback only
	// ties its confidence.
	RequireStrictlyGreater bool
	Profile                company.Profile
}

type Generator struct {
	completer    llm.Completer
	fallback     FallbackAnswerer
	cfg          GeneratorConfig
	logger       *slog.Logger
	systemPrompt string
}

func NewGenerator(completer llm.Completer, fallback FallbackAnswerer, cfg GeneratorConfig, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = cfg.Timeout
	}
	return &Generator{
		completer:    completer,
		fallback:     fallback,
		cfg:          cfg,
		logger:       logger.With("component", "generator"),
		systemPrompt: buildGeneratorSystemPrompt(cfg.Profile),
	}
}

func (g *Generator) Initialize(context.Context) error {
	g.logger.Info("generator initialized", "model", g.cfg.Model, "fallback", g.fallback != nil)
	return nil
}

func (g *Generator) Shutdown(context.Context) error {
	return nil
}

type generatorPayload struct {
	ResponseText          string  `json:"response_text"`
	Confidence            float64 `json:"confidence"`
	Reasoning             string  `json:"reasoning"`
	RequiresHuman         bool    `json:"requires_human_intervention"`
	IsFollowup            bool    `json:"is_followup"`
	FollowupContext       string  `json:"followup_context"`
	AnswerableFromContext *bool   `json:"answerable_from_context"`
}

// Generate produces the candidate answer. A primary generation failure yields
// an empty zero-confidence response together with an ErrGeneration error so
// the run still ends in review. Fallback failures are logged and swallowed.
func (g *Generator) Generate(ctx context.Context, message string, memory MemoryContext, pre PreCheckResult, identity Identity) (GeneratedResponse, error) {
	recorder := trace.FromContext(ctx)

	primary, err := g.primary(ctx, message, memory, pre, identity)
	if err != nil {
		g.logger.Error("primary generation failed", "error", err)
		return GeneratedResponse{Reasoning: "generation failed: " + err.Error()}, err
	}

	raw := primary.Confidence
	primary.Confidence = ApplyBoost(raw, memory.ConfidenceBoost)
	_, boostSpan := recorder.Start(ctx, "confidence_boost", "computation", fmt.Sprintf("raw=%.2f boost=%.2f", raw, memory.ConfidenceBoost))
	if primary.Confidence != raw {
		boostSpan.SetOutput(fmt.Sprintf("%.2f -> %.2f", raw, primary.Confidence))
	} else {
		boostSpan.SetOutput(fmt.Sprintf("no change (%.2f)", raw))
	}
	boostSpan.End()
	g.logger.Info("primary answer generated", "raw_confidence", raw, "confidence", primary.Confidence)

	if !ShouldFallback(g.fallback != nil, primary.Confidence, g.cfg.Threshold, primary.RequiresHuman, pre.Decision) {
		recorder.Skip(ctx, "fallback", "agent_call", fallbackSkipReason(g.fallback != nil, primary, g.cfg.Threshold, pre.Decision))
		return primary, nil
	}
	return g.tryFallback(ctx, message, primary), nil
}

func (g *Generator) primary(ctx context.Context, message string, memory MemoryContext, pre PreCheckResult, identity Identity) (GeneratedResponse, error) {
	userPrompt := buildGeneratorUserPrompt(message, memory, identity, pre)
	ctx, span := trace.FromContext(ctx).Start(ctx, "generate", "llm_call", fmt.Sprintf("model=%s prompt_len=%d", g.cfg.Model, len(userPrompt)))
	defer span.End()

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	var payload generatorPayload
	err := llm.CompleteInto(ctx, g.completer, llm.Request{
		Model:        g.cfg.Model,
		SystemPrompt: g.systemPrompt,
		UserPrompt:   userPrompt,
	}, &payload)
	if err != nil {
		err = fmt.Errorf("%w: %w", agenterr.ErrGeneration, err)
		span.Fail(err)
		return GeneratedResponse{}, err
	}
	answerable := true
	if payload.AnswerableFromContext != nil {
		answerable = *payload.AnswerableFromContext
	}
	response := GeneratedResponse{
		Text:                  strings.TrimSpace(payload.ResponseText),
		Confidence:            Clamp(payload.Confidence),
		Reasoning:             strings.TrimSpace(payload.Reasoning),
		RequiresHuman:         payload.RequiresHuman,
		AnswerableFromContext: answerable,
		IsFollowup:            payload.IsFollowup,
		FollowupContext:       strings.TrimSpace(payload.FollowupContext),
	}
	span.SetOutput(fmt.Sprintf("confidence=%.2f text_len=%d", response.Confidence, len(response.Text)))
	span.SetDetail("reasoning", response.Reasoning)
	span.SetDetail("response_preview", trace.Truncate(response.Text, 200))
	return response, nil
}

func (g *Generator) tryFallback(ctx context.Context, message string, primary GeneratedResponse) GeneratedResponse {
	ctx, span := trace.FromContext(ctx).Start(ctx, "fallback", "agent_call", fmt.Sprintf("confidence %.2f < threshold %.2f", primary.Confidence, g.cfg.Threshold))
	defer span.End()

	if g.cfg.FallbackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.FallbackTimeout)
		defer cancel()
	}
	answer, err := g.fallback.Answer(ctx, message)
	if err != nil {
		err = fmt.Errorf("%w: %w", agenterr.ErrFallback, err)
		span.Fail(err)
		g.logger.Warn("fallback answer failed, keeping primary", "error", err)
		return primary
	}
	answer.Confidence = Clamp(answer.Confidence)
	adopted, used := AdoptFallback(primary, answer, g.cfg.RequireStrictlyGreater)
	span.SetOutput(fmt.Sprintf("confidence=%.2f used=%t", answer.Confidence, used))
	span.SetDetail("fallback_reasoning", answer.Reasoning)
	span.SetDetail("fallback_sources", answer.Sources)
	if used {
		g.logger.Info("fallback answer adopted", "confidence", answer.Confidence, "sources", answer.Sources)
	}
	return adopted
}

// ApplyBoost adds the knowledge match boost to a raw confidence that already
// clears BoostGate. The result is always within [0, 1].
func ApplyBoost(raw, boost float64) float64 {
	raw = Clamp(raw)
	if raw >= BoostGate && boost > 0 {
		return Clamp(min(raw+boost, 1))
	}
	return raw
}

// ShouldFallback reports whether the fallback answerer may be consulted.
func ShouldFallback(configured bool, confidence, threshold float64, requiresHuman bool, decision RoutingDecision) bool {
	return configured && confidence < threshold && !requiresHuman && decision.PermitsFallback()
}

// AdoptFallback replaces the primary answer with the fallback one when the
// fallback has text and more confidence. With strict=false a tie also adopts.
func AdoptFallback(primary GeneratedResponse, answer FallbackAnswer, strict bool) (GeneratedResponse, bool) {
	text := strings.TrimSpace(answer.Text)
	if text == "" {
		return primary, false
	}
	better := answer.Confidence > primary.Confidence
	if !strict {
		better = answer.Confidence >= primary.Confidence
	}
	if !better {
		return primary, false
	}
	return GeneratedResponse{
		Text:                  text,
		Confidence:            Clamp(answer.Confidence),
		Reasoning:             strings.TrimSpace(FallbackReasoningPrefix + " " + answer.Reasoning),
		RequiresHuman:         false,
		AnswerableFromContext: true,
		IsFollowup:            primary.IsFollowup,
		FollowupContext:       primary.FollowupContext,
	}, true
}

func fallbackSkipReason(configured bool, primary GeneratedResponse, threshold float64, decision RoutingDecision) string {
	switch {
	case !configured:
		return "no fallback answerer configured"
	case primary.RequiresHuman:
		return "requires human intervention"
	case !decision.PermitsFallback():
		return fmt.Sprintf("routing decision %s does not permit fallback", decision)
	default:
		return fmt.Sprintf("confidence %.2f >= threshold %.2f", primary.Confidence, threshold)
	}
}
