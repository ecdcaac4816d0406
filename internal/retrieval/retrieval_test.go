package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/stash/internal/embedding"
	"github.com/koopa0/stash/internal/query"
	"github.com/koopa0/stash/internal/store"
)

type fakeFinder struct {
	bookmarks []store.Bookmark
	terms     []string
}

func (f *fakeFinder) FindByKeyword(_ context.Context, terms []string, _ int32) ([]store.Bookmark, error) {
	f.terms = terms
	return f.bookmarks, nil
}

type fakeSearcher struct {
	matches []embedding.Match
	topic   string
	called  bool
}

func (f *fakeSearcher) Search(_ context.Context, topic string, _ int32, _ float64) ([]embedding.Match, error) {
	f.called = true
	f.topic = topic
	return f.matches, nil
}

func postedAt(day int) time.Time {
	return time.Date(2024, 5, day, 12, 0, 0, 0, time.UTC)
}

func bm(id, handle, text string, day int) store.Bookmark {
	return store.Bookmark{ID: id, AuthorHandle: handle, AuthorName: handle, Text: text, PostedAt: postedAt(day)}
}

func TestLexicalScoringAndRecencyTiebreak(t *testing.T) {
	finder := &fakeFinder{bookmarks: []store.Bookmark{
		bm("old", "alice", "goroutines and channels", 1),
		bm("new", "bob", "goroutines and channels", 20),
		bm("partial", "carol", "just goroutines", 25),
	}}
	r := New(finder, &fakeSearcher{}, Config{}, nil)

	got, err := r.Retrieve(context.Background(), "", query.Intent{Keywords: []string{"goroutines", "channels"}})
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Two distinct matches beat one; equal scores order by recency.
	assert.Equal(t, "new", got[0].Bookmark.ID)
	assert.Equal(t, "old", got[1].Bookmark.ID)
	assert.Equal(t, "partial", got[2].Bookmark.ID)
	assert.Greater(t, got[0].Score, got[2].Score)
	for _, c := range got {
		assert.Equal(t, SourceLexical, c.Source)
	}
}

func TestBothTagOutranksEitherPassAlone(t *testing.T) {
	shared := bm("shared", "alice", "vector databases in production", 10)
	finder := &fakeFinder{bookmarks: []store.Bookmark{
		shared,
		bm("lexonly", "bob", "vector clocks", 12),
	}}
	searcher := &fakeSearcher{matches: []embedding.Match{
		{Bookmark: shared, Similarity: 0.8},
		{Bookmark: bm("semonly", "carol", "embeddings explained", 3), Similarity: 0.9},
	}}
	r := New(finder, searcher, Config{}, nil)

	intent := query.Intent{Keywords: []string{"vector"}, Topic: "vector databases"}
	got, err := r.Retrieve(context.Background(), "", intent)
	require.NoError(t, err)
	require.Len(t, got, 3)

	var both, lexOnly, semOnly Candidate
	for _, c := range got {
		switch c.Bookmark.ID {
		case "shared":
			both = c
		case "lexonly":
			lexOnly = c
		case "semonly":
			semOnly = c
		}
	}
	assert.Equal(t, SourceBoth, both.Source)
	assert.GreaterOrEqual(t, both.Score, lexOnly.Score)
	assert.GreaterOrEqual(t, both.Score, semOnly.Score)
	assert.Equal(t, "shared", got[0].Bookmark.ID)
}

func TestMergeDeterministic(t *testing.T) {
	finder := &fakeFinder{bookmarks: []store.Bookmark{
		bm("a", "alice", "caching strategies", 5),
		bm("b", "bob", "caching layers", 5),
	}}
	searcher := &fakeSearcher{matches: []embedding.Match{
		{Bookmark: bm("c", "carol", "memoization", 2), Similarity: 0.5},
	}}
	r := New(finder, searcher, Config{}, nil)
	intent := query.Intent{Keywords: []string{"caching"}, Topic: "caching"}

	first, err := r.Retrieve(context.Background(), "", intent)
	require.NoError(t, err)
	second, err := r.Retrieve(context.Background(), "", intent)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAuthorFilterZeroMatchesIsEmpty(t *testing.T) {
	finder := &fakeFinder{bookmarks: []store.Bookmark{
		bm("a", "alice", "generics in go", 5),
	}}
	r := New(finder, &fakeSearcher{}, Config{}, nil)

	got, err := r.Retrieve(context.Background(), "", query.Intent{
		Keywords: []string{"generics"},
		Author:   "nobody",
	})
	require.NoError(t, err)
	assert.Empty(t, got, "filter must not be relaxed")
}

func TestDateRangeFilterZeroMatchesIsEmpty(t *testing.T) {
	finder := &fakeFinder{bookmarks: []store.Bookmark{
		bm("a", "alice", "generics in go", 5),
	}}
	r := New(finder, &fakeSearcher{}, Config{}, nil)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := r.Retrieve(context.Background(), "", query.Intent{
		Keywords: []string{"generics"},
		From:     &from,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFiltersApplyToSemanticPass(t *testing.T) {
	searcher := &fakeSearcher{matches: []embedding.Match{
		{Bookmark: bm("keep", "alice", "distributed consensus", 10), Similarity: 0.7},
		{Bookmark: bm("drop", "bob", "raft explained", 11), Similarity: 0.9},
	}}
	r := New(&fakeFinder{}, searcher, Config{}, nil)

	got, err := r.Retrieve(context.Background(), "", query.Intent{
		Topic:  "consensus algorithms",
		Author: "alice",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].Bookmark.ID)
	assert.Equal(t, SourceSemantic, got[0].Source)
}

func TestSemanticPassSkippedWithoutTopic(t *testing.T) {
	searcher := &fakeSearcher{}
	r := New(&fakeFinder{}, searcher, Config{}, nil)

	_, err := r.Retrieve(context.Background(), "q", query.Intent{Keywords: []string{"kafka"}})
	require.NoError(t, err)
	assert.False(t, searcher.called)
}

func TestQuestionEmbeddedWhenNoKeywordsOrTopic(t *testing.T) {
	searcher := &fakeSearcher{}
	r := New(&fakeFinder{}, searcher, Config{}, nil)

	_, err := r.Retrieve(context.Background(), "what was that thread about burnout?", query.Intent{})
	require.NoError(t, err)
	assert.True(t, searcher.called)
	assert.Equal(t, "what was that thread about burnout?", searcher.topic)
}

func TestTruncateToLimit(t *testing.T) {
	var bookmarks []store.Bookmark
	for i := range 10 {
		bookmarks = append(bookmarks, bm(string(rune('a'+i)), "alice", "testing in go", i+1))
	}
	r := New(&fakeFinder{bookmarks: bookmarks}, &fakeSearcher{}, Config{Limit: 3}, nil)

	got, err := r.Retrieve(context.Background(), "", query.Intent{Keywords: []string{"testing"}})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestEmptyCorpusIsEmptyResult(t *testing.T) {
	r := New(&fakeFinder{}, &fakeSearcher{}, Config{}, nil)

	got, err := r.Retrieve(context.Background(), "", query.Intent{Keywords: []string{"anything"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}
