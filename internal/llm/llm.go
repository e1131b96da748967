package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrUnavailable = errors.New("llm unavailable")
	ErrInvalidJSON = errors.New("llm returned invalid json")
)

// Request is one system+user exchange answered as a single JSON object.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
}

type Completer interface {
	CompleteJSON(ctx context.Context, req Request) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CompleteInto runs req and decodes the returned object into out.
func CompleteInto(ctx context.Context, completer Completer, req Request, out any) error {
	if completer == nil {
		return ErrUnavailable
	}
	raw, err := completer.CompleteJSON(ctx, req)
	if err != nil {
		return err
	}
	return DecodeJSON(raw, out)
}

var (
	thinkBlockPattern = regexp.MustCompile(`(?is)<think\b[^>]*>.*?</think>`)
	codeFencePattern  = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
)

// DecodeJSON tolerates think blocks, code fences and prose around the object.
func DecodeJSON(raw string, out any) error {
	text := strings.TrimSpace(thinkBlockPattern.ReplaceAllString(raw, ""))
	if match := codeFencePattern.FindStringSubmatch(text); len(match) == 2 {
		text = strings.TrimSpace(match[1])
	}
	if !strings.HasPrefix(text, "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return fmt.Errorf("%w: no object in %q", ErrInvalidJSON, preview(text, 80))
		}
		text = text[start : end+1]
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

func preview(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
