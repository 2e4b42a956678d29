// Package search ranks a course's completed materials by cosine similarity
// against a query embedding. Search space per course is small (a course has
// tens of materials, not millions), so ranking scans the course's vectors.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"studymate/internal/logging"
	"studymate/internal/store"
	"studymate/internal/types"
)

const (
	// DefaultTopK is used when the caller does not specify k.
	DefaultTopK = 3
	// MaxTopK caps any requested k.
	MaxTopK = 10
	// excerptChars is the character budget for result excerpts.
	excerptChars = 300
)

// Result is one ranked search hit.
type Result struct {
	MaterialID string  `json:"material_id"`
	Name       string  `json:"name"`
	Excerpt    string  `json:"excerpt"`
	Similarity float64 `json:"similarity"`
	MediaType  string  `json:"media_type"`
}

// Searcher performs per-course nearest-neighbor search.
type Searcher struct {
	store *store.Store
}

// New creates a Searcher over the given store.
func New(st *store.Store) *Searcher {
	return &Searcher{store: st}
}

// Search returns the top-k materials of courseID by cosine similarity to
// query. An empty result is not an error. A query of the wrong dimension is
// a bug upstream and fails loudly.
func (s *Searcher) Search(ctx context.Context, courseID string, query []float32, k int) ([]Result, error) {
	if len(query) != s.store.EmbedDim() {
		return nil, types.E(types.KindDimensionMismatch,
			fmt.Sprintf("query vector dimension %d, expected %d", len(query), s.store.EmbedDim()))
	}
	if k <= 0 {
		k = DefaultTopK
	}
	if k > MaxTopK {
		k = MaxTopK
	}
	if err := ctx.Err(); err != nil {
		return nil, types.Wrap(types.KindTimeout, "search cancelled", err)
	}

	materials, sims, err := s.rank(courseID, query)
	if err != nil {
		return nil, err
	}
	if len(materials) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(materials))
	for i, m := range materials {
		results = append(results, Result{
			MaterialID: m.ID,
			Name:       m.Name,
			Excerpt:    Excerpt(m.ExtractedText, excerptChars),
			Similarity: sims[i],
			MediaType:  m.MediaType,
		})
	}

	// The sqlite-vec path arrives pre-ranked; re-sorting stably is a no-op
	// there and does the work for the in-Go path, where rows arrive ordered
	// by creation time ascending, which stays the tie-break.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}

	logging.Get(logging.CategorySearch).Debugw("search complete",
		"course_id", courseID, "candidates", len(materials), "returned", len(results))
	return results, nil
}

// rank loads a course's search-eligible materials with their similarity to
// query, pushing the distance computation into SQL when sqlite-vec is loaded
// and computing it in Go otherwise.
func (s *Searcher) rank(courseID string, query []float32) ([]types.Material, []float64, error) {
	if s.store.HasVectorExt() {
		materials, sims, err := s.store.CompletedBySimilarity(courseID, query)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to rank course vectors: %w", err)
		}
		return materials, sims, nil
	}

	materials, err := s.store.CompletedWithEmbeddings(courseID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load course vectors: %w", err)
	}
	sims := make([]float64, 0, len(materials))
	for _, m := range materials {
		sim, err := store.CosineSimilarity(query, m.Embedding)
		if err != nil {
			return nil, nil, types.Wrap(types.KindDimensionMismatch, "stored vector mismatch", err)
		}
		sims = append(sims, sim)
	}
	return materials, sims, nil
}

// Excerpt returns a deterministic prefix of text within the given character
// budget, trimmed back to the last whitespace so words stay whole.
func Excerpt(text string, budget int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= budget {
		return text
	}

	cut := budget
	for i := budget; i > 0; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i - 1
			break
		}
	}
	if cut == 0 {
		cut = budget
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
}
