package docs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whysosaket/intercom-agent/internal/agenterr"
	"github.com/whysosaket/intercom-agent/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCompleter struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	prompts   map[string][]string
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{responses: map[string]string{}, errs: map[string]error{}, prompts: map[string][]string{}}
}

func (f *fakeCompleter) CompleteJSON(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts[req.Model] = append(f.prompts[req.Model], req.UserPrompt)
	if err := f.errs[req.Model]; err != nil {
		return "", err
	}
	return f.responses[req.Model], nil
}

func (f *fakeCompleter) lastPrompt(model string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	prompts := f.prompts[model]
	if len(prompts) == 0 {
		return ""
	}
	return prompts[len(prompts)-1]
}

func writeDoc(t *testing.T, root, relative, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(relative))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
}

func seedDocs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeDoc(t, root, "mem0/SKILL.md", "---\nname: mem0-platform\ndescription: Mem0 docs\n---\n# Mem0\n")
	writeDoc(t, root, "mem0/references/graph-memory.md", "# Graph memory\nPass enable_graph=True to client.add to extract entities and relations.\n")
	writeDoc(t, root, "mem0/references/delete-memory.md", "# Delete\nCall client.delete(memory_id) to remove a memory.\n")
	writeDoc(t, root, "mem0/scripts/search.py", "print('not markdown')\n")
	return root
}

func TestBuildIndexRanksMatchingDocumentFirst(t *testing.T) {
	index, err := BuildIndex(seedDocs(t))
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	if index.Len() != 3 {
		t.Fatalf("expected 3 markdown documents, got %d", index.Len())
	}
	results := index.Search("graph entities enable_graph", 2)
	if len(results) == 0 || results[0].Path != "mem0/references/graph-memory.md" {
		t.Fatalf("unexpected ranking: %+v", results)
	}
	if results[0].Skill != "mem0-platform" {
		t.Fatalf("expected skill name from frontmatter, got %q", results[0].Skill)
	}
	if results[0].Description != "graph memory (references)" {
		t.Fatalf("unexpected description: %q", results[0].Description)
	}
	if got := index.Search("kubernetes", 5); len(got) != 0 {
		t.Fatalf("expected no results for unknown term, got %+v", got)
	}
}

func TestBuildIndexMissingRootIsEmpty(t *testing.T) {
	index, err := BuildIndex(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	if index.Len() != 0 || index.Search("anything", 3) != nil {
		t.Fatal("expected empty index")
	}
}

func TestAnswerSynthesizesFromRetrievedDocs(t *testing.T) {
	completer := newFakeCompleter()
	completer.responses["keywords"] = `{"keywords":["graph","enable_graph"],"reasoning":"feature name"}`
	completer.responses["synth"] = "```json\n{\"answer_text\":\" Pass enable_graph=True. \",\"confidence\":0.88,\"reasoning\":\"graph doc\",\"sources\":[]}\n```"
	answerer := NewAnswerer(completer, Config{Root: seedDocs(t), Model: "synth", KeywordModel: "keywords"}, discardLogger())
	if err := answerer.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	answer, err := answerer.Answer(context.Background(), "How do I turn on graph memory?")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answer.Text != "Pass enable_graph=True." || answer.Confidence != 0.88 {
		t.Fatalf("unexpected answer: %+v", answer)
	}
	if len(answer.Sources) == 0 || answer.Sources[0] != "mem0/references/graph-memory.md" {
		t.Fatalf("expected retrieved paths as sources, got %v", answer.Sources)
	}
	if !strings.Contains(completer.lastPrompt("synth"), "=== mem0/references/graph-memory.md ===") {
		t.Fatal("expected document content in synthesis prompt")
	}
}

func TestAnswerWithoutMatchesReturnsEmptyAnswer(t *testing.T) {
	completer := newFakeCompleter()
	completer.errs["keywords"] = errors.New("rate limited")
	answerer := NewAnswerer(completer, Config{Root: seedDocs(t), Model: "synth", KeywordModel: "keywords"}, discardLogger())
	if err := answerer.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	answer, err := answerer.Answer(context.Background(), "What is your refund policy?")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answer.Text != "" || answer.Confidence != 0 {
		t.Fatalf("expected empty answer, got %+v", answer)
	}
	if completer.lastPrompt("synth") != "" {
		t.Fatal("expected no synthesis call without documents")
	}
}

func TestAnswerWrapsSynthesisFailure(t *testing.T) {
	completer := newFakeCompleter()
	completer.errs["synth"] = errors.New("503")
	answerer := NewAnswerer(completer, Config{Root: seedDocs(t), Model: "synth", KeywordModel: "keywords"}, discardLogger())
	if err := answerer.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := answerer.Answer(context.Background(), "delete memory"); !errors.Is(err, agenterr.ErrFallback) {
		t.Fatalf("expected ErrFallback, got %v", err)
	}
}

func TestQueueReindexPicksUpNewFiles(t *testing.T) {
	root := seedDocs(t)
	answerer := NewAnswerer(newFakeCompleter(), Config{Root: root, Model: "synth", Debounce: 20 * time.Millisecond}, discardLogger())
	if err := answerer.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Shutdown(context.Background()) })

	writeDoc(t, root, "mem0/references/webhooks.md", "# Webhooks\nConfigure webhook endpoints in the dashboard.\n")
	answerer.QueueReindex(filepath.Join(root, "mem0/references/webhooks.md"))

	deadline := time.After(2 * time.Second)
	for answerer.Status().Documents != 4 {
		select {
		case <-deadline:
			t.Fatalf("expected reindex to add a document, status %+v", answerer.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if results := answerer.Search("webhook endpoints", 1); len(results) != 1 {
		t.Fatalf("expected new document searchable, got %+v", results)
	}
}
