package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

type Transition struct {
	Component string `json:"component"`
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Recovered reports a move out of a degraded or stale state.
func (t Transition) Recovered() bool {
	return IsDegradedState(t.From) && !IsDegradedState(t.To)
}

type MonitorConfig struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	Logger       *slog.Logger
	OnTransition func(context.Context, Transition)
}

// Monitor polls the registry and reports component state changes. A
// component's first observed state is not a transition.
type Monitor struct {
	registry *Registry
	cfg      MonitorConfig
	logger   *slog.Logger
	previous map[string]string
}

func NewMonitor(registry *Registry, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "heartbeat"),
		previous: map[string]string{},
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	if m.registry == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.logger.Info("heartbeat monitor started", "interval", m.cfg.Interval.String(), "stale_after", m.cfg.StaleAfter.String())
	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	snapshot := m.registry.Snapshot(m.cfg.StaleAfter)
	for _, item := range snapshot.Components {
		before, seen := m.previous[item.Name]
		m.previous[item.Name] = item.State
		if !seen || before == item.State {
			continue
		}
		transition := Transition{
			Component: item.Name,
			From:      before,
			To:        item.State,
			Message:   item.Message,
			Error:     item.Error,
		}
		level := slog.LevelInfo
		if IsDegradedState(item.State) {
			level = slog.LevelWarn
		}
		m.logger.Log(ctx, level, "component state changed",
			"name", transition.Component,
			"from", transition.From,
			"to", transition.To,
			"error", transition.Error,
		)
		if m.cfg.OnTransition != nil {
			m.cfg.OnTransition(ctx, transition)
		}
	}
}
