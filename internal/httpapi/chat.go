package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/whysosaket/intercom-agent/internal/chat"
	"github.com/whysosaket/intercom-agent/internal/trace"
)

var chatUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type chatMessageRequest struct {
	Content string `json:"content"`
}

type chatActionRequest struct {
	Action       string `json:"action"`
	MessageIndex *int   `json:"message_index"`
	Content      string `json:"content"`
}

type chatFrame struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	MessageIndex *int   `json:"message_index,omitempty"`
}

func chatStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, chat.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotReviewable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *router) chatAvailable(w http.ResponseWriter) bool {
	if r.deps.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat unavailable")
		return false
	}
	return true
}

func (r *router) handleChatSessions(w http.ResponseWriter, req *http.Request) {
	if !r.chatAvailable(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": r.deps.Chat.Sessions().List()})
}

func (r *router) handleChatCreate(w http.ResponseWriter, req *http.Request) {
	if !r.chatAvailable(w) {
		return
	}
	writeJSON(w, http.StatusCreated, r.deps.Chat.Sessions().Create())
}

func (r *router) handleChatSession(w http.ResponseWriter, req *http.Request) {
	if !r.chatAvailable(w) {
		return
	}
	session, err := r.deps.Chat.Sessions().Get(chi.URLParam(req, "id"))
	if err != nil {
		writeError(w, chatStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (r *router) handleChatDelete(w http.ResponseWriter, req *http.Request) {
	if !r.chatAvailable(w) {
		return
	}
	if !r.deps.Chat.Sessions().Delete(chi.URLParam(req, "id")) {
		writeError(w, http.StatusNotFound, chat.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *router) handleChatMessage(w http.ResponseWriter, req *http.Request) {
	if !r.chatAvailable(w) {
		return
	}
	var payload chatMessageRequest
	if err := decodeJSON(req, &payload); err != nil || strings.TrimSpace(payload.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	reply, err := r.deps.Chat.Send(req.Context(), chi.URLParam(req, "id"), payload.Content, nil)
	if err != nil {
		writeError(w, chatStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (r *router) handleChatAction(w http.ResponseWriter, req *http.Request) {
	if !r.chatAvailable(w) {
		return
	}
	var payload chatActionRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	result, err := r.applyChatAction(req.Context(), chi.URLParam(req, "id"), payload.Action, payload.MessageIndex, payload.Content)
	if err != nil {
		if errors.Is(err, errUnknownAction) || errors.Is(err, errEmptyEdit) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, chatStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

var (
	errUnknownAction = errors.New("action must be approve, edit or reject")
	errEmptyEdit     = errors.New("edit requires content")
)

func (r *router) applyChatAction(ctx context.Context, sessionID, action string, index *int, content string) (chat.ActionResult, error) {
	target := -1
	if index != nil {
		target = *index
	}
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "approve":
		return r.deps.Chat.Approve(ctx, sessionID, target)
	case "edit":
		if strings.TrimSpace(content) == "" {
			return chat.ActionResult{}, errEmptyEdit
		}
		return r.deps.Chat.Edit(ctx, sessionID, target, content)
	case "reject":
		return r.deps.Chat.Reject(ctx, sessionID, target)
	default:
		return chat.ActionResult{}, errUnknownAction
	}
}

// socketWriter serializes frames; trace steps arrive from the pipeline
// goroutine while actions answer from the read loop.
type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketWriter) send(kind string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(map[string]any{"type": kind, "data": data})
}

func (r *router) handleChatSocket(w http.ResponseWriter, req *http.Request) {
	if !r.chatAvailable(w) {
		return
	}
	sessionID := chi.URLParam(req, "id")
	if _, err := r.deps.Chat.Sessions().Get(sessionID); err != nil {
		writeError(w, chatStatus(err), err.Error())
		return
	}
	conn, err := chatUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("chat websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	writer := &socketWriter{conn: conn}
	ctx := req.Context()

	for {
		var frame chatFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("chat websocket closed", "session_id", sessionID, "error", err)
			}
			return
		}
		if err := r.handleFrame(ctx, writer, sessionID, frame); err != nil {
			r.logger.Debug("chat websocket write failed", "session_id", sessionID, "error", err)
			return
		}
	}
}

func (r *router) handleFrame(ctx context.Context, writer *socketWriter, sessionID string, frame chatFrame) error {
	switch frame.Type {
	case "user_message":
		if strings.TrimSpace(frame.Content) == "" {
			return writer.send("error", "content is required")
		}
		reply, err := r.deps.Chat.Send(ctx, sessionID, frame.Content, func(step trace.Step) {
			_ = writer.send("trace_step", step)
		})
		if err != nil {
			return writer.send("error", err.Error())
		}
		return writer.send("response", reply)
	case "approve", "edit", "reject":
		result, err := r.applyChatAction(ctx, sessionID, frame.Type, frame.MessageIndex, frame.Content)
		if err != nil {
			return writer.send("error", err.Error())
		}
		return writer.send("action_result", result)
	default:
		return writer.send("error", "unknown frame type "+frame.Type)
	}
}
