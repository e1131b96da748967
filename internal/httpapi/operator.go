package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/catalogsync"
	"github.com/whysosaket/intercom-agent/internal/eval"
	"github.com/whysosaket/intercom-agent/internal/intercom"
	"github.com/whysosaket/intercom-agent/internal/store"
)

func queryLimit(req *http.Request, fallback, max int) int {
	limit, err := strconv.Atoi(strings.TrimSpace(req.URL.Query().Get("limit")))
	if err != nil || limit < 1 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

func (r *router) handleEvalConversations(w http.ResponseWriter, req *http.Request) {
	if r.deps.Eval == nil {
		writeError(w, http.StatusServiceUnavailable, "eval unavailable")
		return
	}
	conversations, err := r.deps.Eval.Unanswered(req.Context(), queryLimit(req, 20, 60))
	if errors.Is(err, intercom.ErrNotConfigured) {
		writeJSON(w, http.StatusOK, map[string]any{
			"conversations": []eval.Conversation{},
			"message":       "Intercom API not available (no access token configured).",
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (r *router) handleEvalGenerate(w http.ResponseWriter, req *http.Request) {
	if r.deps.Eval == nil {
		writeError(w, http.StatusServiceUnavailable, "eval unavailable")
		return
	}
	var payload eval.GenerateRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	generation, err := r.deps.Eval.Generate(req.Context(), payload)
	if errors.Is(err, eval.ErrNoMessage) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, generation)
}

type generateAllRequest struct {
	Conversations []eval.GenerateRequest `json:"conversations"`
	Count         int                    `json:"count"`
}

func (r *router) handleEvalGenerateAllStream(w http.ResponseWriter, req *http.Request) {
	if r.deps.Eval == nil {
		writeError(w, http.StatusServiceUnavailable, "eval unavailable")
		return
	}
	var payload generateAllRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	stream, ok := newSSEStream(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	for i := range payload.Conversations {
		if payload.Conversations[i].Count == 0 {
			payload.Conversations[i].Count = payload.Count
		}
	}
	err := r.deps.Eval.GenerateAll(req.Context(), payload.Conversations, func(generation eval.Generation) error {
		return stream.Send(generation)
	})
	if err != nil {
		r.logger.Warn("generate-all stream ended early", "error", err)
		return
	}
	stream.Done()
}

func (r *router) handleEvalSend(w http.ResponseWriter, req *http.Request) {
	if r.deps.Eval == nil {
		writeError(w, http.StatusServiceUnavailable, "eval unavailable")
		return
	}
	var payload eval.SendRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(payload.ConversationID) == "" || strings.TrimSpace(payload.ResponseText) == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and response_text are required")
		return
	}
	outcome, err := r.deps.Eval.Send(req.Context(), payload)
	if err != nil {
		status := http.StatusInternalServerError
		var apiErr *intercom.APIError
		switch {
		case errors.Is(err, store.ErrReviewResolved):
			status = http.StatusConflict
		case errors.As(err, &apiErr):
			status = apiErr.Status
		case errors.Is(err, agenterr.ErrDelivery):
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (r *router) handleRun(w http.ResponseWriter, req *http.Request) {
	if r.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	run, err := r.deps.Store.LookupPipelineRun(req.Context(), chi.URLParam(req, "id"))
	if errors.Is(err, store.ErrPipelineRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               run.ID,
		"conversation_id":  run.ConversationID,
		"mode":             run.Mode,
		"routing_decision": run.RoutingDecision,
		"outcome":          run.Outcome,
		"confidence":       run.Confidence,
		"trace":            json.RawMessage(run.TraceJSON),
		"created_at_unix":  run.CreatedAt.Unix(),
	})
}

func (r *router) handleReviews(w http.ResponseWriter, req *http.Request) {
	if r.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	status := strings.TrimSpace(req.URL.Query().Get("status"))
	reviews, err := r.deps.Store.ListReviewRequests(req.Context(), status, queryLimit(req, 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]map[string]any, 0, len(reviews))
	for _, review := range reviews {
		item := map[string]any{
			"id":               review.ID,
			"conversation_id":  review.ConversationID,
			"customer_message": review.CustomerMessage,
			"candidate_text":   review.CandidateText,
			"confidence":       review.Confidence,
			"reasoning":        review.Reasoning,
			"routing_decision": review.RoutingDecision,
			"status":           review.Status,
			"decided_by":       review.DecidedBy,
			"final_text":       review.FinalText,
			"created_at_unix":  review.CreatedAt.Unix(),
		}
		if !review.DecidedAt.IsZero() {
			item["decided_at_unix"] = review.DecidedAt.Unix()
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": items})
}

func (r *router) handleDeadLetters(w http.ResponseWriter, req *http.Request) {
	if r.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	letters, err := r.deps.Store.ListDeadLetters(req.Context(), queryLimit(req, 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]map[string]any, 0, len(letters))
	for _, letter := range letters {
		items = append(items, map[string]any{
			"id":              letter.ID,
			"conversation_id": letter.ConversationID,
			"body":            letter.Body,
			"identity":        json.RawMessage(letter.IdentityJSON),
			"error":           letter.ErrorMessage,
			"attempts":        letter.Attempts,
			"created_at_unix": letter.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": items})
}

func (r *router) handleSyncStatus(w http.ResponseWriter, req *http.Request) {
	if r.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync unavailable")
		return
	}
	last, ok := r.deps.Sync.Last()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"last": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last": last})
}

func (r *router) handleSync(w http.ResponseWriter, req *http.Request) {
	if r.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync unavailable")
		return
	}
	summary, err := r.deps.Sync.Sync(req.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, catalogsync.ErrSyncRunning) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
