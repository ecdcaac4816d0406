package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/stash/internal/store"
	"github.com/koopa0/stash/internal/testutil"
)

func testBookmark(id, handle, text string) store.Bookmark {
	return store.Bookmark{
		ID:           id,
		AuthorHandle: handle,
		AuthorName:   handle,
		Text:         text,
		PostedAt:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		SavedAt:      time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC),
		URL:          "https://example.com/" + id,
	}
}

func TestStoreIntegration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := store.New(db.Pool, nil)
	ctx := context.Background()

	t.Run("insert and dedupe", func(t *testing.T) {
		inserted, err := s.Insert(ctx, testBookmark("b1", "alice", "goroutines are cheap"))
		require.NoError(t, err)
		assert.True(t, inserted)

		again, err := s.Insert(ctx, testBookmark("b1", "alice", "changed text"))
		require.NoError(t, err)
		assert.False(t, again, "same external id must not import twice")

		got, err := s.Get(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "goroutines are cheap", got.Text, "duplicate import must not overwrite")
	})

	t.Run("keyword search", func(t *testing.T) {
		_, err := s.Insert(ctx, testBookmark("b2", "bob", "channels compose pipelines"))
		require.NoError(t, err)

		found, err := s.FindByKeyword(ctx, []string{"goroutines", "channels"}, 0)
		require.NoError(t, err)
		require.Len(t, found, 2)

		byAuthor, err := s.FindByKeyword(ctx, []string{"bob"}, 0)
		require.NoError(t, err)
		require.Len(t, byAuthor, 1)
		assert.Equal(t, "b2", byAuthor[0].ID)

		none, err := s.FindByKeyword(ctx, nil, 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		escaped, err := s.FindByKeyword(ctx, []string{"100%"}, 0)
		require.NoError(t, err)
		assert.Empty(t, escaped, "LIKE metacharacters must be literal")
	})

	t.Run("organizational fields and tombstone", func(t *testing.T) {
		_, err := s.Insert(ctx, testBookmark("b3", "carol", "tombstone me"))
		require.NoError(t, err)

		require.NoError(t, s.SetTags(ctx, "b3", []string{"go", "testing"}))
		require.NoError(t, s.SetFolder(ctx, "b3", "reading"))
		require.NoError(t, s.SetFavorite(ctx, "b3", true))

		got, err := s.Get(ctx, "b3")
		require.NoError(t, err)
		assert.Equal(t, []string{"go", "testing"}, got.Tags)
		assert.Equal(t, "reading", got.Folder)
		assert.True(t, got.Favorite)

		require.NoError(t, s.Delete(ctx, "b3"))
		found, err := s.FindByKeyword(ctx, []string{"tombstone"}, 0)
		require.NoError(t, err)
		assert.Empty(t, found, "deleted bookmarks leave search")

		all, err := s.AllCurrent(ctx)
		require.NoError(t, err)
		for _, b := range all {
			assert.NotEqual(t, "b3", b.ID)
		}
	})

	t.Run("missing bookmark", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestConversationIntegration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := store.New(db.Pool, nil)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, conv.Title)

	user, err := s.AppendTurn(ctx, conv.ID, store.Turn{Role: store.RoleUser, Text: "first question"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), user.SequenceNumber)

	asst, err := s.AppendTurn(ctx, conv.ID, store.Turn{
		Role:      store.RoleAssistant,
		Text:      "answer <citation:b1>",
		Citations: []string{"b1"},
		FollowUps: []string{"More?", "And then?"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), asst.SequenceNumber)

	history, err := s.History(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, []string{"b1"}, history[1].Citations)
	assert.Equal(t, []string{"More?", "And then?"}, history[1].FollowUps)

	// Bounded history keeps the most recent turns.
	bounded, err := s.History(ctx, conv.ID, 1)
	require.NoError(t, err)
	require.Len(t, bounded, 1)
	assert.Equal(t, store.RoleAssistant, bounded[0].Role)

	require.NoError(t, s.SetConversationTitle(ctx, conv.ID, "Goroutines"))
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Goroutines", got.Title)

	list, err := s.ListConversations(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, conv.ID, list[0].ID)

	_, err = s.AppendTurn(ctx, uuid.New(), store.Turn{Role: store.RoleUser, Text: "x"})
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
}
