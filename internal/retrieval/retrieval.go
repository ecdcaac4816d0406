// Package retrieval ranks bookmarks for one question by combining a
// lexical keyword pass with a vector similarity pass.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/koopa0/stash/internal/embedding"
	"github.com/koopa0/stash/internal/query"
	"github.com/koopa0/stash/internal/store"
)

// Source records which pass produced a candidate.
type Source int

const (
	SourceLexical Source = iota
	SourceSemantic
	SourceBoth
)

func (s Source) String() string {
	switch s {
	case SourceSemantic:
		return "semantic"
	case SourceBoth:
		return "both"
	default:
		return "lexical"
	}
}

// Candidate is one ranked retrieval result. The list is ephemeral,
// rebuilt per question.
type Candidate struct {
	Bookmark store.Bookmark
	Score    float64
	Source   Source
}

// BookmarkFinder is the lexical search surface of the storage layer.
type BookmarkFinder interface {
	FindByKeyword(ctx context.Context, terms []string, limit int32) ([]store.Bookmark, error)
}

// SemanticSearcher is the vector search surface of the embedding store.
type SemanticSearcher interface {
	Search(ctx context.Context, topic string, limit int32, minSimilarity float64) ([]embedding.Match, error)
}

// Config tunes ranking. Scores from each pass arrive pre-weighted, so a
// candidate found by both passes sums to more than either pass alone.
type Config struct {
	Limit          int32   // result cap K
	LexicalWeight  float64 // applied to the normalized keyword-match fraction
	SemanticWeight float64 // applied to cosine similarity
	MinSimilarity  float64 // semantic hits below this are discarded, not padded
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		Limit:          20,
		LexicalWeight:  0.6,
		SemanticWeight: 0.4,
		MinSimilarity:  0.35,
	}
}

// Retriever produces ranked candidate lists from structured intents.
type Retriever struct {
	finder   BookmarkFinder
	searcher SemanticSearcher
	cfg      Config
	logger   *slog.Logger
}

// New creates a Retriever. Zero-value Config fields take defaults.
func New(finder BookmarkFinder, searcher SemanticSearcher, cfg Config, logger *slog.Logger) *Retriever {
	def := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.LexicalWeight <= 0 {
		cfg.LexicalWeight = def.LexicalWeight
	}
	if cfg.SemanticWeight <= 0 {
		cfg.SemanticWeight = def.SemanticWeight
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = def.MinSimilarity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{finder: finder, searcher: searcher, cfg: cfg, logger: logger}
}

// Retrieve runs both passes for intent and merges them into one ranked
// list, bounded to the configured limit. question is embedded for the
// semantic pass when the intent extracted no topic and no keywords.
// An empty result is a valid outcome, not an error.
func (r *Retriever) Retrieve(ctx context.Context, question string, intent query.Intent) ([]Candidate, error) {
	lexical, err := r.lexicalPass(ctx, intent)
	if err != nil {
		return nil, err
	}

	var semantic []Candidate
	if intent.Topic != "" || len(intent.Keywords) == 0 {
		topic := intent.Topic
		if topic == "" {
			topic = question
		}
		semantic, err = r.semanticPass(ctx, topic, intent)
		if err != nil {
			// Lexical results still stand; semantic is an enrichment.
			r.logger.Warn("semantic pass failed", "error", err)
		}
	}

	merged := merge(lexical, semantic)
	if int32(len(merged)) > r.cfg.Limit {
		merged = merged[:r.cfg.Limit]
	}
	return merged, nil
}

// lexicalPass scores bookmarks by the count of distinct matching
// keywords, normalized to 0..1 and weighted. Ties break by recency.
func (r *Retriever) lexicalPass(ctx context.Context, intent query.Intent) ([]Candidate, error) {
	if len(intent.Keywords) == 0 {
		return nil, nil
	}

	// Limit 0 lets the storage layer apply its own generous default;
	// scoring needs the full match set, not a pre-truncated one.
	found, err := r.finder.FindByKeyword(ctx, intent.Keywords, 0)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	type scored struct {
		bookmark store.Bookmark
		distinct int
	}
	var hits []scored
	for _, b := range found {
		if !passesFilters(b, intent) {
			continue
		}
		if n := distinctMatches(b, intent.Keywords); n > 0 {
			hits = append(hits, scored{bookmark: b, distinct: n})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].distinct != hits[j].distinct {
			return hits[i].distinct > hits[j].distinct
		}
		return hits[i].bookmark.PostedAt.After(hits[j].bookmark.PostedAt)
	})

	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, Candidate{
			Bookmark: h.bookmark,
			Score:    r.cfg.LexicalWeight * float64(h.distinct) / float64(len(intent.Keywords)),
			Source:   SourceLexical,
		})
	}
	return candidates, nil
}

// semanticPass asks the vector index for the top 2K matches so the
// merge still has room after filtering and deduplication.
func (r *Retriever) semanticPass(ctx context.Context, topic string, intent query.Intent) ([]Candidate, error) {
	matches, err := r.searcher.Search(ctx, topic, 2*r.cfg.Limit, r.cfg.MinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		if !passesFilters(m.Bookmark, intent) {
			continue
		}
		candidates = append(candidates, Candidate{
			Bookmark: m.Bookmark,
			Score:    r.cfg.SemanticWeight * m.Similarity,
			Source:   SourceSemantic,
		})
	}
	return candidates, nil
}

// passesFilters applies the author and date filters conjunctively.
// Filters are never relaxed; zero matches is a valid empty result.
func passesFilters(b store.Bookmark, intent query.Intent) bool {
	if intent.Author != "" && !strings.EqualFold(b.AuthorHandle, intent.Author) {
		return false
	}
	if intent.From != nil && b.PostedAt.Before(*intent.From) {
		return false
	}
	if intent.To != nil && b.PostedAt.After(*intent.To) {
		return false
	}
	return true
}

// distinctMatches counts intent keywords present in the bookmark text
// or author fields, case-insensitively.
func distinctMatches(b store.Bookmark, keywords []string) int {
	text := strings.ToLower(b.Text)
	handle := strings.ToLower(b.AuthorHandle)
	name := strings.ToLower(b.AuthorName)

	n := 0
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(text, kw) || strings.Contains(handle, kw) || strings.Contains(name, kw) {
			n++
		}
	}
	return n
}

// merge combines both passes. A bookmark in both lists is tagged
// SourceBoth and its scores sum, so it always outranks what either
// pass alone would give it. The final sort is stable: equal scores
// keep the lexical-then-semantic insertion order, making the output
// deterministic for identical inputs.
func merge(lexical, semantic []Candidate) []Candidate {
	merged := make([]Candidate, 0, len(lexical)+len(semantic))
	byID := make(map[string]int, len(lexical))

	for _, c := range lexical {
		byID[c.Bookmark.ID] = len(merged)
		merged = append(merged, c)
	}
	for _, c := range semantic {
		if i, ok := byID[c.Bookmark.ID]; ok {
			merged[i].Score += c.Score
			merged[i].Source = SourceBoth
			continue
		}
		merged = append(merged, c)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	return merged
}
