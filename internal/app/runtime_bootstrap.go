package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/whysosaket/intercom-agent/internal/catalogsync"
	"github.com/whysosaket/intercom-agent/internal/chat"
	"github.com/whysosaket/intercom-agent/internal/company"
	"github.com/whysosaket/intercom-agent/internal/config"
	"github.com/whysosaket/intercom-agent/internal/coordinator"
	"github.com/whysosaket/intercom-agent/internal/docs"
	"github.com/whysosaket/intercom-agent/internal/eval"
	"github.com/whysosaket/intercom-agent/internal/heartbeat"
	"github.com/whysosaket/intercom-agent/internal/httpapi"
	"github.com/whysosaket/intercom-agent/internal/intercom"
	"github.com/whysosaket/intercom-agent/internal/llm"
	"github.com/whysosaket/intercom-agent/internal/llm/openai"
	"github.com/whysosaket/intercom-agent/internal/memory"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/review"
	"github.com/whysosaket/intercom-agent/internal/scheduler"
	"github.com/whysosaket/intercom-agent/internal/slack"
	"github.com/whysosaket/intercom-agent/internal/store"
	"github.com/whysosaket/intercom-agent/internal/watcher"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatStale    = 2 * time.Minute
)

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	tel, err := setupTelemetry(context.Background(), cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		return nil, err
	}

	sqlStore, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		sqlStore.Close()
		return nil, err
	}

	profile, err := company.Load(cfg.CompanyProfilePath)
	if err != nil {
		sqlStore.Close()
		return nil, err
	}
	profile = profile.WithOverrides(cfg.CompanyName, cfg.SupportPlatformName, cfg.ProductDescription, cfg.AllowedCodeLanguages)

	stageTimeout := cfg.StageTimeout()
	completer := openai.New(openai.Config{
		APIKey:         cfg.OpenAIAPIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		Model:          cfg.OpenAIModel,
		EmbeddingModel: cfg.OpenAIEmbeddingModel,
		Timeout:        stageTimeout,
		MaxRetries:     cfg.OpenAIMaxRetries,
	}, logger.With("component", "llm-openai"))
	var embedder llm.Embedder
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		embedder = completer
	}

	assembler := memory.New(sqlStore, embedder, memory.Config{
		HistoryTopK:    cfg.MemoryHistoryTopK,
		CatalogueTopK:  cfg.MemoryCatalogueTopK,
		CatalogueScope: cfg.GlobalCatalogueUserID,
		PlatformName:   profile.PlatformName,
		EmbedTimeout:   stageTimeout,
	}, logger)

	docsAnswerer := docs.NewAnswerer(completer, docs.Config{
		Root:            cfg.DocsDir,
		Model:           cfg.FallbackModel,
		TopK:            cfg.DocsTopK,
		MaxContextChars: cfg.DocsMaxContextChars,
		Timeout:         stageTimeout,
	}, logger)
	var fallback pipeline.FallbackAnswerer
	if cfg.FallbackEnabled {
		fallback = docsAnswerer
	}

	intercomClient := intercom.New(intercom.Config{
		BaseURL:       cfg.IntercomBaseURL,
		AccessToken:   cfg.IntercomAccessToken,
		AdminID:       cfg.IntercomAdminID,
		RatePerSecond: cfg.IntercomRatePerSecond,
		Timeout:       stageTimeout,
		Mock:          cfg.MockMode,
	}, logger)
	slackClient := slack.New(slack.Config{
		APIBase:   cfg.SlackAPIBase,
		BotToken:  cfg.SlackBotToken,
		ChannelID: cfg.SlackChannelID,
		Timeout:   stageTimeout,
		Mock:      cfg.MockMode,
	}, logger)

	runner := pipeline.New(pipeline.Deps{
		Memory: assembler,
		Classifier: pipeline.NewClassifier(completer, pipeline.ClassifierConfig{
			Enabled: cfg.PreCheckEnabled,
			Model:   cfg.PreCheckModel,
			Timeout: stageTimeout,
			Profile: profile,
		}, logger),
		Generator: pipeline.NewGenerator(completer, fallback, pipeline.GeneratorConfig{
			Model:                  cfg.OpenAIModel,
			Threshold:              cfg.ConfidenceThreshold,
			Timeout:                stageTimeout,
			RequireStrictlyGreater: cfg.FallbackRequireStrictlyGreater,
			Profile:                profile,
		}, logger),
		Refiner: pipeline.NewRefiner(completer, pipeline.RefinerConfig{
			Enabled: cfg.PostProcessorEnabled,
			Model:   cfg.PostProcessorModel,
			Timeout: stageTimeout,
			Profile: profile,
		}, logger),
		Replies:   intercomClient,
		Reviews:   slack.NewNotifier(slackClient, sqlStore, logger),
		Runs:      sqlStore,
		Threshold: cfg.ConfidenceThreshold,
	}, logger)
	components := append(runner.Components(), docsAnswerer)

	decisions := review.New(intercomClient, assembler, sqlStore, logger)
	interactions := slack.NewInteractions(slackClient, decisions, logger)

	var deadLetters coordinator.DeadLetterStore
	if cfg.DispatchDeadLetter {
		deadLetters = sqlStore
	}
	messages := coordinator.New(dispatchHandler(runner), coordinator.Config{
		Window:        cfg.DebounceWindow(),
		MaxConcurrent: cfg.MaxConcurrentRuns,
		MaxRetries:    cfg.DispatchMaxRetries,
		DeadLetters:   deadLetters,
	}, logger)

	syncService := catalogsync.New(intercomClient, assembler, catalogsync.Config{
		DataDir:                    cfg.DataDir,
		PlatformName:               profile.PlatformName,
		MaxConversations:           cfg.SyncMaxConversations,
		MaxMessagesPerConversation: cfg.SyncMaxMessagesPerConversation,
		MaxConversationChars:       cfg.SyncMaxConversationChars,
	}, logger)
	schedulerService, err := scheduler.New(cfg.SyncSchedule, func(ctx context.Context) error {
		_, err := syncService.Sync(ctx)
		return err
	}, logger)
	if err != nil {
		sqlStore.Close()
		return nil, err
	}

	watchService, err := watcher.New([]string{docsAnswerer.Root()}, nil, logger, func(_ context.Context, path string) {
		docsAnswerer.QueueReindex(path)
	})
	if err != nil {
		sqlStore.Close()
		return nil, err
	}

	chatService := chat.NewService(chat.NewManager(), runner, decisions.WithReplies(chat.LocalReplies{}), assembler, logger)
	evalService := eval.New(intercomClient, runner, decisions, logger)

	heartbeatRegistry := heartbeat.NewRegistry()
	for _, component := range []heartbeatAware{messages, watchService, schedulerService} {
		component.SetHeartbeatReporter(heartbeatRegistry)
	}
	notifier := newHeartbeatNotifier(slackClient, logger)
	heartbeatMonitor := heartbeat.NewMonitor(heartbeatRegistry, heartbeat.MonitorConfig{
		Interval:     heartbeatInterval,
		StaleAfter:   heartbeatStale,
		Logger:       logger,
		OnTransition: notifier.HandleTransition,
	})

	handler := httpapi.NewRouter(httpapi.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Store:        sqlStore,
		Messages:     messages,
		Interactions: interactions,
		Eval:         evalService,
		Chat:         chatService,
		Sync:         syncService,
		Heartbeat:    heartbeatRegistry,
		Coordinator:  messages,
		Docs:         docsAnswerer,
		Scheduler:    schedulerService,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Runtime{
		cfg:              cfg,
		logger:           logger,
		store:            sqlStore,
		telemetry:        tel,
		pipeline:         runner,
		components:       components,
		docs:             docsAnswerer,
		intercom:         intercomClient,
		slack:            slackClient,
		coordinator:      messages,
		sync:             syncService,
		chat:             chatService,
		httpServer:       httpServer,
		watcher:          watchService,
		scheduler:        schedulerService,
		heartbeat:        heartbeatRegistry,
		heartbeatMonitor: heartbeatMonitor,
	}, nil
}

// dispatchHandler runs a flushed conversation batch through the live
// pipeline.
func dispatchHandler(runner *pipeline.Pipeline) coordinator.Handler {
	return func(ctx context.Context, batch coordinator.Batch) error {
		_, err := runner.Run(ctx, pipeline.Input{
			ConversationID: batch.ConversationID,
			Body:           batch.Body,
			Identity:       batch.Identity,
			Mode:           "live",
		})
		return err
	}
}
