package openai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/whysosaket/intercom-agent/internal/llm"
	"github.com/whysosaket/intercom-agent/internal/retry"
)

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

type Client struct {
	cfg    Config
	client *goopenai.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-5-mini"
	}
	if strings.TrimSpace(cfg.EmbeddingModel) == "" {
		cfg.EmbeddingModel = string(goopenai.SmallEmbedding3)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := goopenai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{
		cfg:    cfg,
		client: goopenai.NewClientWithConfig(clientCfg),
		logger: logger,
	}
}

func (c *Client) CompleteJSON(ctx context.Context, req llm.Request) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", fmt.Errorf("%w: missing OpenAI API key", llm.ErrUnavailable)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.cfg.Model
	}
	request := goopenai.ChatCompletionRequest{
		Model: model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if req.Temperature > 0 {
		request.Temperature = req.Temperature
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, c.cfg.RetryDelay, attempt); err != nil {
				return "", err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		resp, err := c.client.CreateChatCompletion(callCtx, request)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
			c.logger.Warn("openai chat completion failed", "model", model, "attempt", attempt+1, "error", err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("attempt %d: no completion choices returned", attempt+1)
			continue
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		if content == "" {
			lastErr = fmt.Errorf("attempt %d: empty completion", attempt+1)
			continue
		}
		return content, nil
	}
	return "", fmt.Errorf("openai completion failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: missing OpenAI API key", llm.ErrUnavailable)
	}
	if len(texts) == 0 {
		return nil, nil
	}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, c.cfg.RetryDelay, attempt); err != nil {
				return nil, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		resp, err := c.client.CreateEmbeddings(callCtx, goopenai.EmbeddingRequestStrings{
			Input: texts,
			Model: goopenai.EmbeddingModel(c.cfg.EmbeddingModel),
		})
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
			continue
		}
		if len(resp.Data) != len(texts) {
			lastErr = fmt.Errorf("attempt %d: expected %d embeddings, got %d", attempt+1, len(texts), len(resp.Data))
			continue
		}
		vectors := make([][]float32, len(resp.Data))
		for _, item := range resp.Data {
			if item.Index < 0 || item.Index >= len(vectors) {
				continue
			}
			vectors[item.Index] = item.Embedding
		}
		return vectors, nil
	}
	return nil, fmt.Errorf("openai embeddings failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}
