package app

import (
	"log/slog"
	"net/http"

	"github.com/whysosaket/intercom-agent/internal/catalogsync"
	"github.com/whysosaket/intercom-agent/internal/chat"
	"github.com/whysosaket/intercom-agent/internal/config"
	"github.com/whysosaket/intercom-agent/internal/coordinator"
	"github.com/whysosaket/intercom-agent/internal/docs"
	"github.com/whysosaket/intercom-agent/internal/heartbeat"
	"github.com/whysosaket/intercom-agent/internal/intercom"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/scheduler"
	"github.com/whysosaket/intercom-agent/internal/slack"
	"github.com/whysosaket/intercom-agent/internal/store"
	"github.com/whysosaket/intercom-agent/internal/watcher"
)

type Runtime struct {
	cfg              config.Config
	logger           *slog.Logger
	store            *store.Store
	telemetry        *telemetry
	pipeline         *pipeline.Pipeline
	components       []pipeline.Lifecycle
	docs             *docs.Answerer
	intercom         *intercom.Client
	slack            *slack.Client
	coordinator      *coordinator.Coordinator
	sync             *catalogsync.Service
	chat             *chat.Service
	httpServer       *http.Server
	watcher          *watcher.Service
	scheduler        *scheduler.Service
	heartbeat        *heartbeat.Registry
	heartbeatMonitor *heartbeat.Monitor
}

type heartbeatAware interface {
	SetHeartbeatReporter(reporter heartbeat.Reporter)
}
