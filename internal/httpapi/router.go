package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/whysosaket/intercom-agent/internal/catalogsync"
	"github.com/whysosaket/intercom-agent/internal/chat"
	"github.com/whysosaket/intercom-agent/internal/config"
	"github.com/whysosaket/intercom-agent/internal/coordinator"
	"github.com/whysosaket/intercom-agent/internal/docs"
	"github.com/whysosaket/intercom-agent/internal/eval"
	"github.com/whysosaket/intercom-agent/internal/heartbeat"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/scheduler"
	"github.com/whysosaket/intercom-agent/internal/store"
)

const maxBodyBytes = 1 << 20

type Enqueuer interface {
	Enqueue(conversationID, body string, identity pipeline.Identity) error
}

type InteractionHandler interface {
	Handle(ctx context.Context, payload []byte) error
}

type Syncer interface {
	Sync(ctx context.Context) (catalogsync.Summary, error)
	Last() (catalogsync.Summary, bool)
}

type Store interface {
	Ping(ctx context.Context) error
	LookupPipelineRun(ctx context.Context, id string) (store.PipelineRun, error)
	ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error)
	ListReviewRequests(ctx context.Context, status string, limit int) ([]store.ReviewRequest, error)
}

// Dependencies are optional except Config and Logger; a missing component
// answers 503 on its routes.
type Dependencies struct {
	Config       config.Config
	Logger       *slog.Logger
	Store        Store
	Messages     Enqueuer
	Interactions InteractionHandler
	Eval         *eval.Service
	Chat         *chat.Service
	Sync         Syncer
	Heartbeat    *heartbeat.Registry
	Coordinator  *coordinator.Coordinator
	Docs         *docs.Answerer
	Scheduler    *scheduler.Service
	Now          func() time.Time
}

type router struct {
	deps   Dependencies
	logger *slog.Logger
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	rt := &router{deps: deps, logger: deps.Logger.With("component", "http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", rt.handleHealth)
	r.Get("/readyz", rt.handleReady)

	r.Route("/webhooks", func(hooks chi.Router) {
		hooks.Post("/intercom", rt.handleIntercomWebhook)
		hooks.Post("/slack/interactions", rt.handleSlackInteractions)
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/v1/heartbeat", rt.handleHeartbeat)
		api.Get("/v1/info", rt.handleInfo)

		api.Get("/eval/conversations", rt.handleEvalConversations)
		api.Post("/eval/generate", rt.handleEvalGenerate)
		api.Post("/eval/generate-all-stream", rt.handleEvalGenerateAllStream)
		api.Post("/eval/send", rt.handleEvalSend)

		api.Get("/runs/{id}", rt.handleRun)
		api.Get("/reviews", rt.handleReviews)
		api.Get("/dead-letters", rt.handleDeadLetters)

		api.Get("/sync", rt.handleSyncStatus)
		api.Post("/sync", rt.handleSync)

		api.Route("/chat/sessions", func(sessions chi.Router) {
			sessions.Get("/", rt.handleChatSessions)
			sessions.Post("/", rt.handleChatCreate)
			sessions.Get("/{id}", rt.handleChatSession)
			sessions.Delete("/{id}", rt.handleChatDelete)
			sessions.Post("/{id}/messages", rt.handleChatMessage)
			sessions.Post("/{id}/actions", rt.handleChatAction)
			sessions.Get("/{id}/ws", rt.handleChatSocket)
		})
	})
	return r
}

// requestLogger logs one line per request through slog.
func (r *router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		r.logger.Debug("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
			"request_id", middleware.GetReqID(req.Context()),
		)
	})
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *router) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.deps.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "error": "store unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	if err := r.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (r *router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if r.deps.Heartbeat == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeat unavailable")
		return
	}
	writeJSON(w, http.StatusOK, r.deps.Heartbeat.Snapshot(2*time.Minute))
}

func (r *router) handleInfo(w http.ResponseWriter, req *http.Request) {
	info := map[string]any{
		"name":        "intercom-agent",
		"environment": r.deps.Config.Environment,
		"threshold":   r.deps.Config.ConfidenceThreshold,
		"mock_mode":   r.deps.Config.MockMode,
		"stages": map[string]bool{
			"precheck":       r.deps.Config.PreCheckEnabled,
			"post_processor": r.deps.Config.PostProcessorEnabled,
			"fallback":       r.deps.Config.FallbackEnabled,
		},
	}
	if r.deps.Coordinator != nil {
		info["coordinator"] = r.deps.Coordinator.Stats()
	}
	if r.deps.Docs != nil {
		info["docs"] = r.deps.Docs.Status()
	}
	if r.deps.Scheduler != nil {
		info["scheduler"] = r.deps.Scheduler.Status()
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func readBody(req *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
}

func decodeJSON(req *http.Request, target any) error {
	return json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(target)
}
