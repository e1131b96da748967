package trace

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return spans, provider
}

func TestRecorderClosesStepsAndMirrorsSpans(t *testing.T) {
	spans, provider := newRecordingTracer(t)
	var (
		mu     sync.Mutex
		hooked []string
	)
	recorder := NewRecorder("run-1",
		WithTracer(provider.Tracer(TracerName)),
		WithStepHook(func(step Step) {
			mu.Lock()
			hooked = append(hooked, step.Name)
			mu.Unlock()
		}),
	)

	ctx := context.Background()
	_, span := recorder.Start(ctx, "precheck", "llm_call", "message_len=12")
	span.SetOutput("route=KB_ONLY")
	span.SetDetail("model", "gpt-5-mini")
	span.End()
	span.End()

	_, failing := recorder.Start(ctx, "generate", "llm_call", "")
	failing.Fail(errors.New("upstream timeout"))
	failing.End()

	recorder.Skip(ctx, "fallback", "llm_call", "decision does not permit fallback")

	steps := recorder.Steps()
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if steps[0].Status != StatusOK || steps[0].OutputSummary != "route=KB_ONLY" || steps[0].Details["model"] != "gpt-5-mini" {
		t.Fatalf("unexpected first step: %+v", steps[0])
	}
	if steps[1].Status != StatusError || steps[1].Error != "upstream timeout" {
		t.Fatalf("unexpected failed step: %+v", steps[1])
	}
	if steps[2].Status != StatusSkipped {
		t.Fatalf("expected skipped step, got %+v", steps[2])
	}

	ended := spans.Ended()
	if len(ended) != 3 {
		t.Fatalf("expected 3 ended otel spans, got %d", len(ended))
	}
	if ended[1].Name() != "generate" || ended[1].Status().Description != "upstream timeout" {
		t.Fatalf("unexpected otel span: %s %+v", ended[1].Name(), ended[1].Status())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 3 || hooked[0] != "precheck" {
		t.Fatalf("unexpected hook calls: %v", hooked)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var recorder *Recorder
	ctx, span := recorder.Start(context.Background(), "refine", "llm_call", "x")
	if ctx == nil {
		t.Fatal("expected context passthrough")
	}
	span.SetOutput("ignored")
	span.Fail(errors.New("ignored"))
	span.End()
	if recorder.Steps() != nil {
		t.Fatal("expected nil steps from nil recorder")
	}
}

func TestJSONSnapshotDecodes(t *testing.T) {
	recorder := NewRecorder("run-2")
	_, span := recorder.Start(context.Background(), "route", "computation", "")
	span.End()

	var run Run
	if err := json.Unmarshal([]byte(recorder.JSON()), &run); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if run.RunID != "run-2" || len(run.Steps) != 1 || run.Steps[0].Name != "route" {
		t.Fatalf("unexpected snapshot: %+v", run)
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	if got := Truncate("héllo wörld", 5); got != "héllo..." {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("unexpected truncation: %q", got)
	}
}
