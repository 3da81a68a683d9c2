// Package retrieval ranks reference documents against an alert summary.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// DefaultTopK is used when a caller asks for zero or fewer results.
const DefaultTopK = 4

type document struct {
	id    string
	text  string
	terms map[string]float64
	norm  float64
}

// CorpusRetriever scores plain-text documents by bag-of-words cosine
// similarity. It is immutable after construction.
type CorpusRetriever struct {
	docs []document
}

// NewCorpusRetriever loads every *.txt file in dir. A missing directory
// yields an empty corpus.
func NewCorpusRetriever(dir string) (*CorpusRetriever, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("invalid corpus directory %q: %w", dir, err)
	}
	sort.Strings(paths)

	r := &CorpusRetriever{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read corpus document %s: %w", path, err)
		}
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		r.docs = append(r.docs, newDocument(id, string(data)))
	}
	return r, nil
}

// NewStaticRetriever builds a corpus from in-memory documents keyed by id.
func NewStaticRetriever(docs map[string]string) *CorpusRetriever {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r := &CorpusRetriever{}
	for _, id := range ids {
		r.docs = append(r.docs, newDocument(id, docs[id]))
	}
	return r
}

// Len returns the number of loaded documents.
func (r *CorpusRetriever) Len() int {
	return len(r.docs)
}

// Retrieve returns up to topK documents ordered by similarity, ties broken by
// document id.
func (r *CorpusRetriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return []domain.Snippet{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	q := newDocument("", query)

	type scored struct {
		doc   *document
		score float64
	}
	ranked := make([]scored, 0, len(r.docs))
	for i := range r.docs {
		ranked = append(ranked, scored{doc: &r.docs[i], score: cosine(q, r.docs[i])})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].doc.id < ranked[j].doc.id
	})

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]domain.Snippet, 0, len(ranked))
	for _, s := range ranked {
		sim := math.Round(s.score*10000) / 10000
		out = append(out, domain.Snippet{
			DocID:      s.doc.id,
			Text:       s.doc.text,
			Similarity: &sim,
		})
	}
	return out, nil
}

func newDocument(id, text string) document {
	d := document{id: id, text: text, terms: map[string]float64{}}
	for _, tok := range tokenize(text) {
		d.terms[tok]++
	}
	var sum float64
	for _, n := range d.terms {
		sum += n * n
	}
	d.norm = math.Sqrt(sum)
	return d
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func cosine(a, b document) float64 {
	if a.norm == 0 || b.norm == 0 {
		return 0
	}
	small, large := a.terms, b.terms
	if len(small) > len(large) {
		small, large = large, small
	}
	var dot float64
	for term, n := range small {
		dot += n * large[term]
	}
	return dot / (a.norm * b.norm)
}
