package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/whysosaket/intercom-agent/internal/llm"
	"github.com/whysosaket/intercom-agent/internal/pipeline"
	"github.com/whysosaket/intercom-agent/internal/store"
	"github.com/whysosaket/intercom-agent/internal/trace"
)

const (
	// NearExactMatchScore is the relevance a catalogue match needs to earn
	// NearExactMatchBoost.
	NearExactMatchScore = 0.95
	NearExactMatchBoost = 0.1

	// candidateLimit bounds how many catalogue rows are scored per query.
	candidateLimit = 1000
)

type Store interface {
	AddMemory(ctx context.Context, input store.AddMemoryInput) (store.MemoryRecord, error)
	ListMemories(ctx context.Context, scope string, limit int) ([]store.MemoryRecord, error)
}

type Config struct {
	HistoryTopK    int
	CatalogueTopK  int
	CatalogueScope string
	PlatformName   string
	EmbedTimeout   time.Duration
}

// Assembler builds the memory context for a run and persists exchanges and
// catalogue entries.
type Assembler struct {
	store    Store
	embedder llm.Embedder
	cfg      Config
	logger   *slog.Logger
}

func New(memoryStore Store, embedder llm.Embedder, cfg Config, logger *slog.Logger) *Assembler {
	if cfg.HistoryTopK < 1 {
		cfg.HistoryTopK = 20
	}
	if cfg.CatalogueTopK < 1 {
		cfg.CatalogueTopK = 5
	}
	if strings.TrimSpace(cfg.CatalogueScope) == "" {
		cfg.CatalogueScope = "global_catalogue"
	}
	if strings.TrimSpace(cfg.PlatformName) == "" {
		cfg.PlatformName = "Intercom"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:    memoryStore,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With("component", "memory"),
	}
}

func (a *Assembler) Initialize(context.Context) error {
	a.logger.Info("memory assembler initialized", "catalogue_scope", a.cfg.CatalogueScope, "embeddings", a.embedder != nil)
	return nil
}

func (a *Assembler) Shutdown(context.Context) error {
	return nil
}

func (a *Assembler) FetchContext(ctx context.Context, userKey, query string) (pipeline.MemoryContext, error) {
	recorder := trace.FromContext(ctx)

	_, historySpan := recorder.Start(ctx, "memory_history", "memory_search", "user="+userKey)
	history, err := a.history(ctx, userKey)
	if err != nil {
		historySpan.Fail(err)
		historySpan.End()
		return pipeline.MemoryContext{}, err
	}
	historySpan.SetOutput(fmt.Sprintf("%d turns", len(history)))
	historySpan.End()

	_, catalogueSpan := recorder.Start(ctx, "memory_catalogue", "memory_search", "scope="+a.cfg.CatalogueScope)
	matches, err := a.SearchCatalogue(ctx, query, a.cfg.CatalogueTopK)
	if err != nil {
		catalogueSpan.Fail(err)
		catalogueSpan.End()
		return pipeline.MemoryContext{}, err
	}
	memory := pipeline.MemoryContext{
		History:         history,
		Matches:         matches,
		ConfidenceBoost: ConfidenceBoost(matches),
	}
	catalogueSpan.SetOutput(fmt.Sprintf("%d matches top=%.2f boost=%.2f", len(matches), memory.TopScore(), memory.ConfidenceBoost))
	catalogueSpan.End()
	return memory, nil
}

// history returns the newest turns of a user scope in chronological order.
func (a *Assembler) history(ctx context.Context, userKey string) ([]pipeline.Turn, error) {
	if strings.TrimSpace(userKey) == "" {
		return nil, nil
	}
	records, err := a.store.ListMemories(ctx, userKey, a.cfg.HistoryTopK)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	turns := make([]pipeline.Turn, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		turns = append(turns, pipeline.Turn{Role: records[i].Role, Content: records[i].Content})
	}
	return turns, nil
}

// SearchCatalogue scores catalogue entries against query. Entries carry an
// embedding when one was available at write time; otherwise, or when the
// query cannot be embedded, token overlap is used.
func (a *Assembler) SearchCatalogue(ctx context.Context, query string, topK int) ([]pipeline.KnowledgeMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	records, err := a.store.ListMemories(ctx, a.cfg.CatalogueScope, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("list catalogue: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	queryVector := a.embedOne(ctx, query)
	queryTokens := tokenize(query)

	matches := make([]pipeline.KnowledgeMatch, 0, len(records))
	for _, record := range records {
		score := 0.0
		if len(queryVector) > 0 && len(record.Embedding) == len(queryVector) {
			score = cosineSimilarity(queryVector, record.Embedding)
		} else {
			score = overlapScore(queryTokens, tokenize(record.Content))
		}
		if score <= 0 {
			continue
		}
		matches = append(matches, pipeline.KnowledgeMatch{Text: record.Content, Score: pipeline.Clamp(score)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (a *Assembler) StoreExchange(ctx context.Context, userKey, conversationID, customerText, responseText string) error {
	if _, err := a.store.AddMemory(ctx, store.AddMemoryInput{
		Scope:          userKey,
		Role:           store.RoleUser,
		Content:        customerText,
		ConversationID: conversationID,
	}); err != nil {
		return fmt.Errorf("store customer turn: %w", err)
	}
	if _, err := a.store.AddMemory(ctx, store.AddMemoryInput{
		Scope:          userKey,
		Role:           store.RoleAssistant,
		Content:        responseText,
		ConversationID: conversationID,
	}); err != nil {
		return fmt.Errorf("store support turn: %w", err)
	}
	return nil
}

func (a *Assembler) StoreToCatalogue(ctx context.Context, conversationID, customerText, responseText, label string) error {
	return a.AddCatalogueEntry(ctx, conversationID, FormatCatalogueEntry(a.cfg.PlatformName, conversationID, customerText, responseText), label)
}

// AddCatalogueEntry stores preformatted content in the catalogue scope.
func (a *Assembler) AddCatalogueEntry(ctx context.Context, conversationID, content, label string) error {
	var embedding []float32
	if vector := a.embedOne(ctx, content); len(vector) > 0 {
		embedding = vector
	}
	if _, err := a.store.AddMemory(ctx, store.AddMemoryInput{
		Scope:          a.cfg.CatalogueScope,
		Role:           store.RoleCatalogue,
		Content:        content,
		Label:          label,
		ConversationID: conversationID,
		Embedding:      embedding,
	}); err != nil {
		return fmt.Errorf("store catalogue entry: %w", err)
	}
	a.logger.Info("catalogue entry stored", "conversation_id", conversationID, "label", label)
	return nil
}

func (a *Assembler) embedOne(ctx context.Context, text string) []float32 {
	if a.embedder == nil {
		return nil
	}
	if a.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.EmbedTimeout)
		defer cancel()
	}
	vectors, err := a.embedder.Embed(ctx, []string{text})
	if err != nil || len(vectors) != 1 {
		a.logger.Warn("embedding failed, using token overlap", "error", err)
		return nil
	}
	return vectors[0]
}

// FormatCatalogueEntry renders one customer/support exchange for the catalogue.
func FormatCatalogueEntry(platform, conversationID, customerText, responseText string) string {
	return fmt.Sprintf("%s conversation %s:\nCustomer said: %s\nSupport said: %s", platform, conversationID, customerText, responseText)
}

// ConfidenceBoost returns NearExactMatchBoost when the best match is a near
// exact one.
func ConfidenceBoost(matches []pipeline.KnowledgeMatch) float64 {
	top := 0.0
	for _, match := range matches {
		top = math.Max(top, match.Score)
	}
	if top >= NearExactMatchScore {
		return NearExactMatchBoost
	}
	return 0
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// overlapScore is the share of query tokens present in the document.
func overlapScore(query, document map[string]struct{}) float64 {
	if len(query) == 0 || len(document) == 0 {
		return 0
	}
	hits := 0
	for token := range query {
		if _, ok := document[token]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "i": {}, "is": {}, "are": {}, "to": {}, "of": {}, "and": {},
	"or": {}, "in": {}, "on": {}, "my": {}, "me": {}, "do": {}, "does": {}, "can": {}, "how": {},
	"what": {}, "it": {}, "for": {}, "with": {}, "you": {}, "your": {}, "be": {}, "this": {},
}

func tokenize(text string) map[string]struct{} {
	tokens := map[string]struct{}{}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, field := range fields {
		if _, skip := stopwords[field]; skip || len(field) < 2 {
			continue
		}
		tokens[field] = struct{}{}
	}
	return tokens
}
