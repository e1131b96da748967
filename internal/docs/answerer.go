package docs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/llm"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/trace"
)

type Config struct {
	Root            string
	Model           string
	KeywordModel    string
	TopK            int
	MaxContextChars int
	Timeout         time.Duration
	Debounce        time.Duration
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Root) == "" {
		cfg.Root = "skills"
	}
	if strings.TrimSpace(cfg.KeywordModel) == "" {
		cfg.KeywordModel = cfg.Model
	}
	if cfg.TopK < 1 {
		cfg.TopK = 5
	}
	if cfg.MaxContextChars < 1000 {
		cfg.MaxContextChars = 50000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	return cfg
}

// Answerer answers questions from a local markdown documentation tree.
type Answerer struct {
	completer llm.Completer
	cfg       Config
	logger    *slog.Logger

	mu          sync.RWMutex
	index       *Index
	lastIndexed time.Time

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

func NewAnswerer(completer llm.Completer, cfg Config, logger *slog.Logger) *Answerer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Answerer{
		completer: completer,
		cfg:       withDefaults(cfg),
		logger:    logger.With("component", "docs"),
	}
}

func (a *Answerer) Root() string {
	return a.cfg.Root
}

func (a *Answerer) Initialize(ctx context.Context) error {
	return a.Reindex(ctx)
}

func (a *Answerer) Shutdown(context.Context) error {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return nil
}

// Reindex rebuilds the index and swaps it in atomically.
func (a *Answerer) Reindex(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := time.Now()
	index, err := BuildIndex(a.cfg.Root)
	if err != nil {
		return fmt.Errorf("build docs index: %w", err)
	}
	a.mu.Lock()
	a.index = index
	a.lastIndexed = time.Now().UTC()
	a.mu.Unlock()
	a.logger.Info("docs indexed", "root", a.cfg.Root, "documents", index.Len(), "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// QueueReindex debounces bursts of file changes into one rebuild.
func (a *Answerer) QueueReindex(changedPath string) {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.logger.Debug("docs reindex queued", "path", changedPath)
	a.timer = time.AfterFunc(a.cfg.Debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.Reindex(ctx); err != nil {
			a.logger.Error("docs reindex failed", "error", err)
		}
	})
}

type Status struct {
	Root          string    `json:"root"`
	Documents     int       `json:"documents"`
	LastIndexedAt time.Time `json:"last_indexed_at"`
}

func (a *Answerer) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{Root: a.cfg.Root, Documents: a.index.Len(), LastIndexedAt: a.lastIndexed}
}

func (a *Answerer) Search(query string, limit int) []SearchResult {
	a.mu.RLock()
	index := a.index
	a.mu.RUnlock()
	return index.Search(query, limit)
}

type keywordPayload struct {
	Keywords  []string `json:"keywords"`
	Reasoning string   `json:"reasoning"`
}

type synthesisPayload struct {
	AnswerText string   `json:"answer_text"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Sources    []string `json:"sources"`
}

// Answer retrieves the most relevant documents and synthesizes an answer.
// When nothing relevant is indexed it returns an empty answer with zero
// confidence and a nil error.
func (a *Answerer) Answer(ctx context.Context, question string) (pipeline.FallbackAnswer, error) {
	if a.completer == nil {
		return pipeline.FallbackAnswer{}, fmt.Errorf("%w: %w", agenterr.ErrFallback, llm.ErrUnavailable)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return emptyAnswer("empty question"), nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	recorder := trace.FromContext(ctx)

	_, searchSpan := recorder.Start(ctx, "docs_search", "retrieval", trace.Truncate(question, 120))
	query := a.searchQuery(ctx, question)
	results := a.Search(query, a.cfg.TopK)
	searchSpan.SetOutput(fmt.Sprintf("%d documents", len(results)))
	searchSpan.SetDetail("query", query)
	searchSpan.End()
	if len(results) == 0 {
		return emptyAnswer("no relevant documentation found"), nil
	}

	content, sources := a.gatherContent(results)
	_, synthSpan := recorder.Start(ctx, "docs_synthesize", "llm_call", strings.Join(sources, ", "))
	defer synthSpan.End()

	var payload synthesisPayload
	err := llm.CompleteInto(ctx, a.completer, llm.Request{
		Model:        a.cfg.Model,
		SystemPrompt: synthesisSystemPrompt,
		UserPrompt:   fmt.Sprintf("USER QUESTION:\n%s\n\nRETRIEVED DOCUMENTATION:\n%s", question, content),
	}, &payload)
	if err != nil {
		synthSpan.Fail(err)
		return pipeline.FallbackAnswer{}, fmt.Errorf("%w: %w", agenterr.ErrFallback, err)
	}
	answer := pipeline.FallbackAnswer{
		Text:       strings.TrimSpace(payload.AnswerText),
		Confidence: pipeline.Clamp(payload.Confidence),
		Reasoning:  strings.TrimSpace(payload.Reasoning),
		Sources:    payload.Sources,
	}
	if len(answer.Sources) == 0 {
		answer.Sources = sources
	}
	synthSpan.SetOutput(fmt.Sprintf("confidence=%.2f chars=%d", answer.Confidence, len(answer.Text)))
	return answer, nil
}

// searchQuery asks the model for search keywords. The raw question is used
// when extraction fails.
func (a *Answerer) searchQuery(ctx context.Context, question string) string {
	var payload keywordPayload
	err := llm.CompleteInto(ctx, a.completer, llm.Request{
		Model:        a.cfg.KeywordModel,
		SystemPrompt: keywordSystemPrompt,
		UserPrompt:   question,
	}, &payload)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Warn("keyword extraction failed, searching with the question", "error", err)
		}
		return question
	}
	keywords := make([]string, 0, len(payload.Keywords))
	for _, keyword := range payload.Keywords {
		if keyword = strings.TrimSpace(keyword); keyword != "" {
			keywords = append(keywords, keyword)
		}
	}
	if len(keywords) == 0 {
		return question
	}
	return strings.Join(keywords, " ")
}

func (a *Answerer) gatherContent(results []SearchResult) (string, []string) {
	a.mu.RLock()
	index := a.index
	a.mu.RUnlock()

	var builder strings.Builder
	sources := make([]string, 0, len(results))
	for _, result := range results {
		content, ok := index.Content(result.Path)
		if !ok {
			continue
		}
		remaining := a.cfg.MaxContextChars - builder.Len()
		if remaining <= 0 {
			break
		}
		section := fmt.Sprintf("=== %s ===\n%s\n\n", result.Path, content)
		if len(section) > remaining {
			section = trace.Truncate(section, remaining)
		}
		builder.WriteString(section)
		sources = append(sources, result.Path)
	}
	return builder.String(), sources
}

func emptyAnswer(reason string) pipeline.FallbackAnswer {
	return pipeline.FallbackAnswer{Reasoning: reason}
}

const keywordSystemPrompt = `You are a keyword extraction agent. Given a user question about technical documentation, extract 3-8 search keywords that would be most effective for finding relevant documentation files.

Rules:
- Extract specific technical terms (API names, feature names, parameter names).
- Include both the user's exact terms and synonyms or related terms.
- Do NOT include generic words like "how", "what", "help", "please", "can", "do".
- Order keywords from most specific to most general.

Respond with JSON: {"keywords": ["keyword1", "keyword2"], "reasoning": "why these keywords"}`

const synthesisSystemPrompt = `You are a technical support agent. You answer questions using ONLY the provided documentation content. Always respond in English.

Response style:
- Keep answers concise: 2-5 sentences of explanation maximum.
- Only include small, focused code snippets (under 10 lines) when the question requires seeing code.
- Never provide full implementations unless the user explicitly asks for the full code.
- When the documentation contains URLs, include them inline as [descriptive text](url).

Rules:
- Answer ONLY from the provided content. Do not invent information.
- If the content does not fully answer the question, say what you can and note what is missing.

Confidence guidelines:
- 0.9-1.0: direct, complete answer found in docs
- 0.7-0.8: good answer with minor gaps
- 0.4-0.6: partial answer, significant information missing
- 0.1-0.3: barely relevant content found
- 0.0: no relevant content at all

Respond with JSON: {"answer_text": "...", "confidence": 0.0, "reasoning": "which docs supported this answer", "sources": ["path.md"]}`
