package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/store"
	"github.com/whysosaket/intercom-agent/internal/trace"
)

type RunStore interface {
	SavePipelineRun(ctx context.Context, run store.PipelineRun) error
}

type Deps struct {
	Memory     MemoryProvider
	Classifier *Classifier
	Generator  *Generator
	Refiner    *Refiner
	Replies    ReplySink
	Reviews    ReviewSink
	Runs       RunStore
	Threshold  float64
	Tracer     oteltrace.Tracer
}

// Pipeline runs one merged customer message through classification,
// generation, refinement and routing.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(trace.TracerName)
	}
	return &Pipeline{deps: deps, logger: logger.With("component", "pipeline")}
}

// Components lists the stages in initialization order.
func (p *Pipeline) Components() []Lifecycle {
	var components []Lifecycle
	if lc, ok := p.deps.Memory.(Lifecycle); ok {
		components = append(components, lc)
	}
	if p.deps.Classifier != nil {
		components = append(components, p.deps.Classifier)
	}
	if p.deps.Generator != nil {
		components = append(components, p.deps.Generator)
	}
	if p.deps.Refiner != nil {
		components = append(components, p.deps.Refiner)
	}
	return components
}

func (p *Pipeline) Threshold() float64 {
	return p.deps.Threshold
}

type Input struct {
	ConversationID string
	Body           string
	Identity       Identity
	// DryRun skips delivery, exchange persistence and review requests.
	DryRun bool
	Mode   string
	OnStep func(trace.Step)
}

type Result struct {
	RunID          string            `json:"run_id"`
	ConversationID string            `json:"conversation_id"`
	UserKey        string            `json:"user_key"`
	PreCheck       PreCheckResult    `json:"precheck"`
	Response       GeneratedResponse `json:"response"`
	Outcome        Outcome           `json:"outcome"`
	ShortCircuited bool              `json:"short_circuited"`
	Delivered      bool              `json:"delivered"`
	ReviewRaised   bool              `json:"review_raised"`
	Trace          trace.Run         `json:"trace"`
}

// Run is single pass. Stage failures degrade as documented on each stage; the
// returned error is non-nil only when the customer was neither answered nor
// queued for a human (ErrDelivery or ErrReviewNotification).
func (p *Pipeline) Run(ctx context.Context, in Input) (Result, error) {
	runID := uuid.NewString()
	recorder := trace.NewRecorder(runID, trace.WithTracer(p.deps.Tracer), trace.WithStepHook(in.OnStep))
	ctx = trace.WithRecorder(ctx, recorder)
	ctx, root := p.deps.Tracer.Start(ctx, "pipeline.run", oteltrace.WithAttributes(
		attribute.String("pipeline.run_id", runID),
		attribute.String("conversation_id", in.ConversationID),
		attribute.Bool("pipeline.dry_run", in.DryRun),
	))
	defer root.End()

	logger := p.logger.With("conversation_id", in.ConversationID, "run_id", runID)
	result := Result{
		RunID:          runID,
		ConversationID: in.ConversationID,
		UserKey:        in.Identity.MemoryKey(in.ConversationID),
	}
	logger.Info("pipeline run started", "user_key", result.UserKey, "dry_run", in.DryRun, "preview", trace.Truncate(in.Body, 100))

	memory := p.fetchContext(ctx, logger, result.UserKey, in.Body)

	pre, err := p.deps.Classifier.Classify(ctx, in.Body, memory)
	if err != nil {
		logger.Warn("classification degraded to full pipeline", "error", err)
	}
	result.PreCheck = pre

	if pre.Decision.ShortCircuits() {
		result.ShortCircuited = true
		result.Response, result.Outcome = shortCircuitResponse(pre)
		recorder.Skip(ctx, "generate", "llm_call", fmt.Sprintf("short-circuited by %s", pre.Decision))
		recorder.Skip(ctx, "refine", "llm_call", fmt.Sprintf("short-circuited by %s", pre.Decision))
	} else {
		response, err := p.deps.Generator.Generate(ctx, in.Body, memory, pre, in.Identity)
		if err != nil {
			logger.Error("generation failed, response will be reviewed", "error", err)
		}
		refined, err := p.deps.Refiner.Refine(ctx, in.Body, response, memory.History)
		if err != nil {
			logger.Warn("refinement failed, using generated response", "error", err)
		}
		result.Response = refined
		result.Outcome = Route(refined.Confidence, p.deps.Threshold)
	}
	if result.Outcome == OutcomeAutoSent && strings.TrimSpace(result.Response.Text) == "" {
		logger.Warn("empty answer cannot be sent, queueing for review", "confidence", result.Response.Confidence)
		result.Outcome = OutcomePendingReview
	}

	_, routeSpan := recorder.Start(ctx, "route", "computation", fmt.Sprintf("confidence=%.2f threshold=%.2f", result.Response.Confidence, p.deps.Threshold))
	routeSpan.SetOutput(string(result.Outcome))
	routeSpan.SetDetail("routing_decision", string(pre.Decision))
	routeSpan.End()
	logger.Info("pipeline routed",
		"routing_decision", pre.Decision,
		"confidence", result.Response.Confidence,
		"threshold", p.deps.Threshold,
		"outcome", result.Outcome,
	)

	var dispatchErr error
	if in.DryRun {
		recorder.Skip(ctx, "deliver", "side_effect", "dry run")
	} else {
		dispatchErr = p.dispatch(ctx, logger, in, &result)
		if dispatchErr != nil {
			root.RecordError(dispatchErr)
		}
	}

	result.Trace = recorder.Snapshot()
	p.saveRun(ctx, logger, in, result)
	return result, dispatchErr
}

func (p *Pipeline) fetchContext(ctx context.Context, logger *slog.Logger, userKey, query string) MemoryContext {
	recorder := trace.FromContext(ctx)
	if p.deps.Memory == nil {
		recorder.Skip(ctx, "memory_fetch", "memory_search", "no memory provider")
		return MemoryContext{}
	}
	spanCtx, span := recorder.Start(ctx, "memory_fetch", "memory_search", "user="+userKey)
	defer span.End()
	memory, err := p.deps.Memory.FetchContext(spanCtx, userKey, query)
	if err != nil {
		span.Fail(err)
		logger.Warn("memory fetch failed, continuing without context", "error", err)
		return MemoryContext{}
	}
	span.SetOutput(fmt.Sprintf("history=%d matches=%d boost=%.2f", len(memory.History), len(memory.Matches), memory.ConfidenceBoost))
	return memory
}

func (p *Pipeline) dispatch(ctx context.Context, logger *slog.Logger, in Input, result *Result) error {
	ctx, span := trace.FromContext(ctx).Start(ctx, "deliver", "side_effect", string(result.Outcome))
	defer span.End()

	if result.Outcome == OutcomeAutoSent {
		if p.deps.Replies == nil {
			err := fmt.Errorf("%w: no reply sink configured", agenterr.ErrDelivery)
			span.Fail(err)
			return err
		}
		if err := p.deps.Replies.Reply(ctx, in.ConversationID, result.Response.Text); err != nil {
			err = fmt.Errorf("%w: %w", agenterr.ErrDelivery, err)
			span.Fail(err)
			logger.Error("auto reply delivery failed", "error", err)
			return err
		}
		result.Delivered = true
		if p.deps.Memory != nil {
			if err := p.deps.Memory.StoreExchange(ctx, result.UserKey, in.ConversationID, in.Body, result.Response.Text); err != nil {
				logger.Warn("store exchange failed", "error", err)
			}
		}
		span.SetOutput("reply sent")
		logger.Info("auto responded")
		return nil
	}

	if p.deps.Reviews == nil {
		err := fmt.Errorf("%w: no review sink configured", agenterr.ErrReviewNotification)
		span.Fail(err)
		return err
	}
	err := p.deps.Reviews.SendReviewRequest(ctx, ReviewRequest{
		ConversationID:  in.ConversationID,
		CustomerText:    in.Body,
		CandidateText:   result.Response.Text,
		Confidence:      result.Response.Confidence,
		Reasoning:       result.Response.Reasoning,
		UserKey:         result.UserKey,
		Identity:        in.Identity,
		RoutingDecision: result.PreCheck.Decision,
	})
	if err != nil {
		if !errors.Is(err, agenterr.ErrReviewNotification) {
			err = fmt.Errorf("%w: %w", agenterr.ErrReviewNotification, err)
		}
		span.Fail(err)
		logger.Error("review request failed", "error", err)
		return err
	}
	result.ReviewRaised = true
	span.SetOutput("review requested")
	return nil
}

func (p *Pipeline) saveRun(ctx context.Context, logger *slog.Logger, in Input, result Result) {
	if p.deps.Runs == nil {
		return
	}
	mode := strings.TrimSpace(in.Mode)
	if mode == "" {
		mode = "live"
		if in.DryRun {
			mode = "dry_run"
		}
	}
	err := p.deps.Runs.SavePipelineRun(context.WithoutCancel(ctx), store.PipelineRun{
		ID:              result.RunID,
		ConversationID:  result.ConversationID,
		Mode:            mode,
		RoutingDecision: string(result.PreCheck.Decision),
		Outcome:         string(result.Outcome),
		Confidence:      result.Response.Confidence,
		TraceJSON:       marshalTrace(result.Trace),
	})
	if err != nil {
		logger.Warn("save pipeline run failed", "error", err)
	}
}

func marshalTrace(run trace.Run) string {
	raw, err := json.Marshal(run)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
