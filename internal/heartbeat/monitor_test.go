package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestMonitorReportsTransitions(t *testing.T) {
	registry := NewRegistry()
	var transitions []Transition
	monitor := NewMonitor(registry, MonitorConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnTransition: func(_ context.Context, transition Transition) {
			transitions = append(transitions, transition)
		},
	})
	ctx := context.Background()

	registry.Beat("coordinator", "ok")
	monitor.check(ctx)
	if len(transitions) != 0 {
		t.Fatalf("first observation is not a transition: %+v", transitions)
	}

	registry.Degrade("coordinator", "dispatch failed", errors.New("boom"))
	monitor.check(ctx)
	monitor.check(ctx)
	if len(transitions) != 1 || transitions[0].From != StateHealthy || transitions[0].To != StateDegraded || transitions[0].Error != "boom" {
		t.Fatalf("unexpected transitions: %+v", transitions)
	}

	registry.Beat("coordinator", "recovered")
	monitor.check(ctx)
	if len(transitions) != 2 || !transitions[1].Recovered() {
		t.Fatalf("expected recovery transition: %+v", transitions)
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	monitor := NewMonitor(NewRegistry(), MonitorConfig{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = monitor.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
