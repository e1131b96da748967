package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	HTTPAddr    string
	DataDir     string
	DBPath      string
	LogLevel    string

	ConfidenceThreshold            float64
	MessageBufferTimeoutSeconds    float64
	DispatchMaxRetries             int
	DispatchDeadLetter             bool
	MaxConcurrentRuns              int
	StageTimeoutSec                int
	FallbackRequireStrictlyGreater bool

	PreCheckEnabled      bool
	PostProcessorEnabled bool
	FallbackEnabled      bool
	MockMode             bool

	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIModel          string
	PreCheckModel        string
	PostProcessorModel   string
	FallbackModel        string
	OpenAIEmbeddingModel string
	OpenAIMaxRetries     int

	MemoryHistoryTopK     int
	MemoryCatalogueTopK   int
	GlobalCatalogueUserID string

	IntercomAccessToken   string
	IntercomAdminID       string
	IntercomWebhookSecret string
	IntercomBaseURL       string
	IntercomRatePerSecond float64

	SlackBotToken      string
	SlackChannelID     string
	SlackSigningSecret string
	SlackAPIBase       string

	DocsDir             string
	DocsTopK            int
	DocsMaxContextChars int

	SyncMaxConversations           int
	SyncMaxMessagesPerConversation int
	SyncMaxConversationChars       int
	SyncSchedule                   string

	OTLPEndpoint string

	CompanyName          string
	SupportPlatformName  string
	ProductDescription   string
	AllowedCodeLanguages []string
	CompanyProfilePath   string
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// Variables already set win over the file. A missing file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func FromEnv() Config {
	dataDir := stringOrDefault("DATA_DIR", "data")
	dbPath := stringOrDefault("DB_PATH", filepath.Join(dataDir, "intercom-agent.sqlite"))
	defaultModel := stringOrDefault("OPENAI_MODEL", "gpt-5-mini")

	return Config{
		Environment: stringOrDefault("APP_ENV", "development"),
		HTTPAddr:    stringOrDefault("HTTP_ADDR", ":8000"),
		DataDir:     dataDir,
		DBPath:      dbPath,
		LogLevel:    strings.ToLower(stringOrDefault("LOG_LEVEL", "info")),

		ConfidenceThreshold:            floatOrDefault("CONFIDENCE_THRESHOLD", 0.8),
		MessageBufferTimeoutSeconds:    floatOrDefault("MESSAGE_BUFFER_TIMEOUT_SECONDS", 3.0),
		DispatchMaxRetries:             nonNegativeIntOrDefault("DISPATCH_MAX_RETRIES", 0),
		DispatchDeadLetter:             boolOrDefault("DISPATCH_DEAD_LETTER", true),
		MaxConcurrentRuns:              intOrDefault("MAX_CONCURRENT_RUNS", 16),
		StageTimeoutSec:                intOrDefault("STAGE_TIMEOUT_SECONDS", 60),
		FallbackRequireStrictlyGreater: boolOrDefault("FALLBACK_REQUIRE_STRICTLY_GREATER", true),

		PreCheckEnabled:      boolOrDefault("PRE_CHECK_ENABLED", true),
		PostProcessorEnabled: boolOrDefault("POST_PROCESSOR_ENABLED", true),
		FallbackEnabled:      boolOrDefault("FALLBACK_ENABLED", true),
		MockMode:             boolOrDefault("MOCK_MODE", false),

		OpenAIAPIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:        strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		OpenAIModel:          defaultModel,
		PreCheckModel:        stringOrDefault("PRE_CHECK_MODEL", defaultModel),
		PostProcessorModel:   stringOrDefault("POST_PROCESSOR_MODEL", defaultModel),
		FallbackModel:        stringOrDefault("FALLBACK_MODEL", defaultModel),
		OpenAIEmbeddingModel: stringOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		OpenAIMaxRetries:     nonNegativeIntOrDefault("OPENAI_MAX_RETRIES", 2),

		MemoryHistoryTopK:     intOrDefault("MEMORY_HISTORY_TOP_K", 20),
		MemoryCatalogueTopK:   intOrDefault("MEMORY_CATALOGUE_TOP_K", 5),
		GlobalCatalogueUserID: stringOrDefault("GLOBAL_CATALOGUE_USER_ID", "global_catalogue"),

		IntercomAccessToken:   strings.TrimSpace(os.Getenv("INTERCOM_ACCESS_TOKEN")),
		IntercomAdminID:       strings.TrimSpace(os.Getenv("INTERCOM_ADMIN_ID")),
		IntercomWebhookSecret: os.Getenv("INTERCOM_WEBHOOK_SECRET"),
		IntercomBaseURL:       stringOrDefault("INTERCOM_BASE_URL", "https://api.intercom.io"),
		IntercomRatePerSecond: floatOrDefault("INTERCOM_RATE_PER_SECOND", 5),

		SlackBotToken:      strings.TrimSpace(os.Getenv("SLACK_BOT_TOKEN")),
		SlackChannelID:     strings.TrimSpace(os.Getenv("SLACK_CHANNEL_ID")),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		SlackAPIBase:       stringOrDefault("SLACK_API_BASE", "https://slack.com/api"),

		DocsDir:             stringOrDefault("DOCS_DIR", "skills"),
		DocsTopK:            intOrDefault("DOCS_TOP_K", 5),
		DocsMaxContextChars: intOrDefault("DOCS_MAX_CONTEXT_CHARS", 50000),

		SyncMaxConversations:           intOrDefault("SYNC_MAX_CONVERSATIONS", 200),
		SyncMaxMessagesPerConversation: intOrDefault("SYNC_MAX_MESSAGES_PER_CONVERSATION", 5),
		SyncMaxConversationChars:       intOrDefault("SYNC_MAX_CONVERSATION_CHARS", 3000),
		SyncSchedule:                   strings.TrimSpace(os.Getenv("SYNC_SCHEDULE")),

		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),

		CompanyName:          stringOrDefault("COMPANY_NAME", "Mem0"),
		SupportPlatformName:  stringOrDefault("SUPPORT_PLATFORM_NAME", "Intercom"),
		ProductDescription:   strings.TrimSpace(os.Getenv("PRODUCT_DESCRIPTION")),
		AllowedCodeLanguages: csvOrDefault("ALLOWED_CODE_LANGUAGES", []string{"python"}),
		CompanyProfilePath:   strings.TrimSpace(os.Getenv("COMPANY_PROFILE_PATH")),
	}
}

func (c Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.MessageBufferTimeoutSeconds <= 0 {
		return fmt.Errorf("MESSAGE_BUFFER_TIMEOUT_SECONDS must be positive, got %v", c.MessageBufferTimeoutSeconds)
	}
	if c.IntercomRatePerSecond <= 0 {
		return fmt.Errorf("INTERCOM_RATE_PER_SECOND must be positive, got %v", c.IntercomRatePerSecond)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("DB_PATH is required")
	}
	return nil
}

func (c Config) DebounceWindow() time.Duration {
	return time.Duration(c.MessageBufferTimeoutSeconds * float64(time.Second))
}

func (c Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSec) * time.Second
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func nonNegativeIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func floatOrDefault(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func csvOrDefault(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			items = append(items, part)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
