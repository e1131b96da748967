package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/whysosaket/intercom-agent/internal/heartbeat"
	"github.com/whysosaket/intercom-agent/internal/slack"
)

type messagePoster interface {
	ChannelID() string
	PostMessage(ctx context.Context, channel, text string, blocks []slack.Block) (string, error)
}

// heartbeatNotifier posts component degradation and recovery notices to the
// review channel.
type heartbeatNotifier struct {
	poster  messagePoster
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

func newHeartbeatNotifier(poster messagePoster, logger *slog.Logger) *heartbeatNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &heartbeatNotifier{
		poster:  poster,
		logger:  logger.With("component", "heartbeat-notifier"),
		now:     time.Now,
		timeout: 8 * time.Second,
	}
}

func (n *heartbeatNotifier) HandleTransition(ctx context.Context, transition heartbeat.Transition) {
	if n == nil || n.poster == nil {
		return
	}
	eventType := heartbeatTransitionType(transition)
	if eventType == "" {
		return
	}
	channel := strings.TrimSpace(n.poster.ChannelID())
	if channel == "" {
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if _, err := n.poster.PostMessage(publishCtx, channel, buildHeartbeatTransitionMessage(eventType, transition, n.now()), nil); err != nil {
		n.logger.Error("heartbeat notice failed", "component_name", transition.Component, "error", err)
	}
}

func heartbeatTransitionType(transition heartbeat.Transition) string {
	switch {
	case !heartbeat.IsDegradedState(transition.From) && heartbeat.IsDegradedState(transition.To):
		return "degraded"
	case transition.Recovered() && transition.To == heartbeat.StateHealthy:
		return "recovered"
	default:
		return ""
	}
}

func buildHeartbeatTransitionMessage(eventType string, transition heartbeat.Transition, at time.Time) string {
	title := ":large_green_circle: Component recovered"
	if eventType == "degraded" {
		title = ":red_circle: Component degraded"
	}
	builder := strings.Builder{}
	builder.WriteString(title)
	builder.WriteString("\n- component: `")
	builder.WriteString(strings.TrimSpace(transition.Component))
	builder.WriteString("`\n- state: `")
	builder.WriteString(strings.TrimSpace(transition.From))
	builder.WriteString("` -> `")
	builder.WriteString(strings.TrimSpace(transition.To))
	builder.WriteString("`")
	if message := strings.TrimSpace(transition.Message); message != "" {
		builder.WriteString("\n- detail: ")
		builder.WriteString(singleLine(message, 500))
	}
	if errorText := strings.TrimSpace(transition.Error); errorText != "" {
		builder.WriteString("\n- error: ")
		builder.WriteString(singleLine(errorText, 500))
	}
	builder.WriteString("\n- at: ")
	builder.WriteString(at.UTC().Format(time.RFC3339))
	return builder.String()
}

func singleLine(input string, maxLen int) string {
	value := strings.Join(strings.Fields(input), " ")
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	if maxLen <= 3 {
		return value[:maxLen]
	}
	return value[:maxLen-3] + "..."
}
