package docs

import (
	"bufio"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

type Document struct {
	Path        string
	Skill       string
	Description string
	Content     string
	tokens      map[string]int
	length      int
}

type SearchResult struct {
	Path        string  `json:"path"`
	Skill       string  `json:"skill"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// Index is an immutable BM25 index over the markdown files of a docs root.
type Index struct {
	root      string
	documents []Document
	docFreq   map[string]int
	avgLength float64
}

// BuildIndex walks root and indexes every markdown file. A missing root yields
// an empty index.
func BuildIndex(root string) (*Index, error) {
	index := &Index{root: root, docFreq: map[string]int{}}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("stat docs root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("docs root %s is not a directory", root)
	}

	skillNames := map[string]string{}
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !isMarkdown(path) {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relative = filepath.ToSlash(relative)
		skill := topDirectory(relative)
		if entry.Name() == "SKILL.md" {
			if name := frontmatterValue(string(raw), "name"); name != "" {
				skillNames[skill] = name
			}
		}
		index.documents = append(index.documents, Document{
			Path:        relative,
			Skill:       skill,
			Description: describe(relative),
			Content:     string(raw),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk docs root: %w", err)
	}

	totalLength := 0
	for i := range index.documents {
		doc := &index.documents[i]
		if name, ok := skillNames[doc.Skill]; ok {
			doc.Skill = name
		}
		pathText := strings.NewReplacer("/", " ", "-", " ", "_", " ").Replace(doc.Path)
		terms := tokenize(pathText + " " + doc.Description + " " + doc.Content)
		doc.tokens = map[string]int{}
		for _, term := range terms {
			doc.tokens[term]++
		}
		doc.length = len(terms)
		totalLength += doc.length
		for term := range doc.tokens {
			index.docFreq[term]++
		}
	}
	if len(index.documents) > 0 {
		index.avgLength = float64(totalLength) / float64(len(index.documents))
	}
	return index, nil
}

func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.documents)
}

func (i *Index) Search(query string, limit int) []SearchResult {
	if i == nil || len(i.documents) == 0 {
		return nil
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}
	total := float64(len(i.documents))
	results := make([]SearchResult, 0, limit)
	for _, doc := range i.documents {
		score := 0.0
		for _, term := range terms {
			freq := float64(doc.tokens[term])
			if freq == 0 {
				continue
			}
			df := float64(i.docFreq[term])
			idf := math.Log((total-df+0.5)/(df+0.5) + 1)
			norm := 1 - bm25B + bm25B*float64(doc.length)/math.Max(i.avgLength, 1)
			score += idf * freq * (bm25K1 + 1) / (freq + bm25K1*norm)
		}
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{Path: doc.Path, Skill: doc.Skill, Description: doc.Description, Score: score})
	}
	sort.SliceStable(results, func(a, b int) bool { return results[a].Score > results[b].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Content returns the indexed text of a document by relative path.
func (i *Index) Content(path string) (string, bool) {
	if i == nil {
		return "", false
	}
	for _, doc := range i.documents {
		if doc.Path == path {
			return doc.Content, true
		}
	}
	return "", false
}

func isMarkdown(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".mdx":
		return true
	}
	return false
}

func topDirectory(relative string) string {
	if head, _, ok := strings.Cut(relative, "/"); ok {
		return head
	}
	return ""
}

// describe turns "references/mem0-platform/add-memory.md" into
// "add memory (mem0 platform)".
func describe(relative string) string {
	base := strings.TrimSuffix(filepath.Base(relative), filepath.Ext(relative))
	title := strings.NewReplacer("-", " ", "_", " ").Replace(base)
	parent := filepath.Base(filepath.Dir(relative))
	if parent == "." || parent == "" {
		return title
	}
	return fmt.Sprintf("%s (%s)", title, strings.NewReplacer("-", " ", "_", " ").Replace(parent))
}

func frontmatterValue(content, key string) string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "---" {
		return ""
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "---" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(name) == key {
			return strings.Trim(strings.TrimSpace(value), `"'`)
		}
	}
	return ""
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
