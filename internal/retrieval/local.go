package retrieval

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

const (
	localChunkSize    = 800
	localChunkOverlap = 100
	minTermLength     = 3
)

// LocalRetriever serves partitions from <root>/<partition>/ on disk.
type LocalRetriever struct {
	root   string
	loader document.Loader
	now    func() time.Time
}

func NewLocalRetriever(ctx context.Context, root string) (*LocalRetriever, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &LocalRetriever{root: root, loader: loader, now: time.Now}, nil
}

func (r *LocalRetriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if q.Partition == "" || strings.ContainsAny(q.Partition, `/\`) || q.Partition == ".." {
		return nil, fmt.Errorf("invalid partition %q", q.Partition)
	}
	dir := filepath.Join(r.root, q.Partition)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Result{ScoredChunks: []Chunk{}}, nil
		}
		return nil, fmt.Errorf("read partition: %w", err)
	}

	terms := queryTerms(q.Text)
	phrase := strings.ToLower(strings.TrimSpace(q.Text))
	var chunks []Chunk
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		path := filepath.Join(dir, entry.Name())
		docs, err := r.loader.Load(ctx, document.Source{URI: path})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", entry.Name(), err)
		}
		var builder strings.Builder
		for _, doc := range docs {
			content := strings.TrimSpace(doc.Content)
			if content == "" {
				continue
			}
			builder.WriteString(content)
			builder.WriteString("\n\n")
		}
		boost := 1.0
		if q.RecencyBias {
			ageDays := r.now().Sub(info.ModTime()).Hours() / 24
			boost += 1 / (1 + math.Max(ageDays, 0)/30)
		}
		for _, text := range splitChunks(strings.TrimSpace(builder.String())) {
			score := termScore(text, terms)
			if score == 0 {
				continue
			}
			if q.Rerank && phrase != "" && strings.Contains(strings.ToLower(text), phrase) {
				score *= 2
			}
			chunks = append(chunks, Chunk{
				DocumentID:   entry.Name(),
				DocumentName: strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
				DocumentMetadata: map[string]any{
					"modified_at": info.ModTime().UTC().Format(time.RFC3339),
					"size":        info.Size(),
				},
				Score: score * boost,
				Text:  text,
			})
		}
	}

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if q.TopK > 0 && len(chunks) > q.TopK {
		chunks = chunks[:q.TopK]
	}
	if chunks == nil {
		chunks = []Chunk{}
	}
	return &Result{ScoredChunks: chunks}, nil
}

func queryTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len([]rune(field)) >= minTermLength {
			terms[field] = struct{}{}
		}
	}
	return terms
}

// termScore is the fraction of query terms present in text.
func termScore(text string, terms map[string]struct{}) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for term := range terms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func splitChunks(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var out []string
	step := localChunkSize - localChunkOverlap
	for start := 0; start < len(runes); start += step {
		end := start + localChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		if end == len(runes) {
			break
		}
	}
	return out
}
