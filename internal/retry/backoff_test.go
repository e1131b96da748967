package retry

import (
	"context"
	"testing"
	"time"
)

func TestBackoffGrowsWithinJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		nominal := base * time.Duration(1<<uint(attempt-1))
		for i := 0; i < 50; i++ {
			got := Backoff(base, attempt)
			if got < nominal*3/4 || got > nominal*5/4 {
				t.Fatalf("attempt %d: backoff %s outside [%s, %s]", attempt, got, nominal*3/4, nominal*5/4)
			}
		}
	}
}

func TestBackoffCapsAtMaximum(t *testing.T) {
	got := Backoff(time.Second, 20)
	if got > maxBackoff*5/4 {
		t.Fatalf("expected capped backoff, got %s", got)
	}
}

func TestBackoffZeroAttempt(t *testing.T) {
	if got := Backoff(time.Second, 0); got != 0 {
		t.Fatalf("expected zero wait for first attempt, got %s", got)
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour, 3); err == nil {
		t.Fatal("expected context error")
	}
}
