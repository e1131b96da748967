package trace

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const TracerName = "intercom-agent/pipeline"

type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

type Step struct {
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	Status        Status         `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	DurationMS    int64          `json:"duration_ms"`
	InputSummary  string         `json:"input_summary,omitempty"`
	OutputSummary string         `json:"output_summary,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Run is the serialisable form of a finished recorder.
type Run struct {
	RunID   string `json:"run_id"`
	Steps   []Step `json:"steps"`
	TotalMS int64  `json:"total_ms"`
}

// Recorder collects the steps of one pipeline run. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	runID   string
	tracer  oteltrace.Tracer
	onStep  func(Step)
	started time.Time

	mu    sync.Mutex
	steps []Step
}

type Option func(*Recorder)

// WithTracer overrides the global otel tracer.
func WithTracer(tracer oteltrace.Tracer) Option {
	return func(r *Recorder) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithStepHook is called with every step as soon as it closes.
func WithStepHook(hook func(Step)) Option {
	return func(r *Recorder) {
		r.onStep = hook
	}
}

func NewRecorder(runID string, opts ...Option) *Recorder {
	recorder := &Recorder{
		runID:   runID,
		tracer:  otel.Tracer(TracerName),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(recorder)
	}
	return recorder
}

func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Start opens a step and its otel span. The returned Span must be ended; End
// is safe to call more than once.
func (r *Recorder) Start(ctx context.Context, name, kind, input string) (context.Context, *Span) {
	if r == nil {
		return ctx, &Span{}
	}
	spanCtx, otelSpan := r.tracer.Start(ctx, name, oteltrace.WithAttributes(
		attribute.String("pipeline.run_id", r.runID),
		attribute.String("pipeline.step.kind", kind),
	))
	return spanCtx, &Span{
		recorder: r,
		otel:     otelSpan,
		begin:    time.Now(),
		step: Step{
			Name:         name,
			Kind:         kind,
			Status:       StatusOK,
			StartedAt:    time.Now().UTC(),
			InputSummary: Truncate(input, 300),
		},
	}
}

// Skip records a step that did not execute.
func (r *Recorder) Skip(ctx context.Context, name, kind, reason string) {
	_, span := r.Start(ctx, name, kind, "")
	span.Skip(reason)
	span.End()
}

func (r *Recorder) Steps() []Step {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

func (r *Recorder) Snapshot() Run {
	if r == nil {
		return Run{}
	}
	return Run{
		RunID:   r.runID,
		Steps:   r.Steps(),
		TotalMS: time.Since(r.started).Milliseconds(),
	}
}

func (r *Recorder) JSON() string {
	raw, err := json.Marshal(r.Snapshot())
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func (r *Recorder) append(step Step) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	hook := r.onStep
	r.mu.Unlock()
	if hook != nil {
		hook(step)
	}
}

type Span struct {
	recorder *Recorder
	otel     oteltrace.Span
	begin    time.Time
	step     Step
	ended    bool
}

func (s *Span) SetOutput(summary string) {
	if s.recorder == nil {
		return
	}
	s.step.OutputSummary = Truncate(summary, 300)
}

func (s *Span) SetDetail(key string, value any) {
	if s.recorder == nil {
		return
	}
	if s.step.Details == nil {
		s.step.Details = map[string]any{}
	}
	s.step.Details[key] = value
}

func (s *Span) Skip(reason string) {
	if s.recorder == nil {
		return
	}
	s.step.Status = StatusSkipped
	s.step.OutputSummary = Truncate(reason, 300)
}

// Fail marks the step as errored. A nil err is ignored.
func (s *Span) Fail(err error) {
	if s.recorder == nil || err == nil {
		return
	}
	s.step.Status = StatusError
	s.step.Error = Truncate(err.Error(), 500)
	s.otel.RecordError(err)
	s.otel.SetStatus(codes.Error, s.step.Error)
}

func (s *Span) End() {
	if s.recorder == nil || s.ended {
		return
	}
	s.ended = true
	s.step.DurationMS = time.Since(s.begin).Milliseconds()
	s.otel.SetAttributes(attribute.String("pipeline.step.status", string(s.step.Status)))
	if s.step.OutputSummary != "" {
		s.otel.SetAttributes(attribute.String("pipeline.step.output", s.step.OutputSummary))
	}
	s.otel.End()
	s.recorder.append(s.step)
}

// Truncate cuts value to at most limit runes, appending "..." when cut.
func Truncate(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit]) + "..."
}

type recorderKey struct{}

// WithRecorder attaches a recorder to ctx so stages can open steps without
// threading it through every signature.
func WithRecorder(ctx context.Context, recorder *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, recorder)
}

// FromContext returns the attached recorder or nil.
func FromContext(ctx context.Context) *Recorder {
	recorder, _ := ctx.Value(recorderKey{}).(*Recorder)
	return recorder
}
