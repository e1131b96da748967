package httpapi

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/coordinator"
	"github.com/whysosaket/intercom-agent/internal/intercom"
	"github.com/whysosaket/intercom-agent/internal/slack"
	"github.com/whysosaket/intercom-agent/internal/trace"
)

// handleIntercomWebhook only enqueues; the pipeline runs after the debounce
// window, long after Intercom has its 200.
func (r *router) handleIntercomWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := readBody(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := intercom.VerifySignature(r.deps.Config.IntercomWebhookSecret, body, req.Header.Get(intercom.SignatureHeader)); err != nil {
		r.logger.Warn("intercom webhook rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	event, err := intercom.ParseWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !event.Actionable() {
		r.logger.Debug("intercom webhook ignored", "topic", event.Topic, "conversation_id", event.ConversationID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if r.deps.Messages == nil {
		writeError(w, http.StatusServiceUnavailable, "message coordinator unavailable")
		return
	}
	if err := r.deps.Messages.Enqueue(event.ConversationID, event.Body, event.Identity); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, coordinator.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	r.logger.Info("customer message queued",
		"conversation_id", event.ConversationID,
		"topic", event.Topic,
		"preview", trace.Truncate(event.Body, 100),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *router) handleSlackInteractions(w http.ResponseWriter, req *http.Request) {
	body, err := readBody(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := slack.VerifySignature(
		r.deps.Config.SlackSigningSecret,
		req.Header.Get(slack.TimestampHeader),
		req.Header.Get(slack.SignatureHeader),
		body,
		r.deps.Now(),
	); err != nil {
		r.logger.Warn("slack interaction rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil || form.Get("payload") == "" {
		writeError(w, http.StatusBadRequest, "payload form field is required")
		return
	}
	if r.deps.Interactions == nil {
		writeError(w, http.StatusServiceUnavailable, "slack interactions unavailable")
		return
	}
	if err := r.deps.Interactions.Handle(req.Context(), []byte(form.Get("payload"))); err != nil {
		// The card already carries the failure; Slack only needs an ack.
		r.logger.Error("slack interaction failed", "error", err, "delivery_failed", errors.Is(err, agenterr.ErrDelivery))
	}
	w.WriteHeader(http.StatusOK)
}
