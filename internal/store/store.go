// Package store is the storage collaborator for the question pipeline.
//
// It persists bookmarks and conversations in PostgreSQL and exposes the
// narrow operations the pipeline needs: keyword lookup over bookmark
// text, the current corpus snapshot for embedding maintenance, and
// append-only conversation history. Each call is transactional on its
// own; callers never assume atomicity across calls.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrNotFound indicates the requested bookmark does not exist.
	ErrNotFound = errors.New("bookmark not found")

	// ErrConversationNotFound indicates the requested conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Store manages bookmark and conversation persistence.
// Safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

const bookmarkColumns = `id, author_handle, author_name, body, posted_at, saved_at, url, media_urls, tags, folder, favorite`

// Insert stores a bookmark if its id is not already present.
// Returns false when the id existed; import deduplication relies on this.
func (s *Store) Insert(ctx context.Context, b Bookmark) (bool, error) {
	mediaJSON, tagsJSON, err := marshalBookmarkLists(b)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO bookmarks (id, author_handle, author_name, body, posted_at, saved_at, url, media_urls, tags, folder, favorite)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (id) DO NOTHING`,
		b.ID, b.AuthorHandle, b.AuthorName, b.Text, b.PostedAt, b.SavedAt, b.URL,
		mediaJSON, tagsJSON, b.Folder, b.Favorite)
	if err != nil {
		return false, fmt.Errorf("inserting bookmark %q: %w", b.ID, err)
	}

	inserted := tag.RowsAffected() > 0
	if inserted {
		s.logger.Debug("inserted bookmark", "id", b.ID, "author", b.AuthorHandle)
	}
	return inserted, nil
}

// Get retrieves a single bookmark, tombstoned ones included.
func (s *Store) Get(ctx context.Context, id string) (*Bookmark, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bookmarkColumns+` FROM bookmarks WHERE id = $1`, id)

	b, err := scanBookmark(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting bookmark %q: %w", id, err)
	}
	return b, nil
}

// FindByKeyword returns live bookmarks whose body or author matches any
// of the given terms, case-insensitively, most recent first. An empty
// term list returns an empty result, not the whole corpus.
func (s *Store) FindByKeyword(ctx context.Context, terms []string, limit int32) ([]Bookmark, error) {
	terms = trimTerms(terms)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}

	// One ILIKE disjunct per term over body and both author fields.
	var sb strings.Builder
	args := make([]any, 0, len(terms)+1)
	for i, term := range terms {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		args = append(args, "%"+escapeLike(term)+"%")
		n := len(args)
		fmt.Fprintf(&sb, "(body ILIKE $%d OR author_handle ILIKE $%d OR author_name ILIKE $%d)", n, n, n)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT `+bookmarkColumns+`
		FROM bookmarks
		WHERE NOT deleted AND (%s)
		ORDER BY posted_at DESC
		LIMIT $%d`, sb.String(), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	return collectBookmarks(rows)
}

// AllCurrent returns every live bookmark, for embedding maintenance.
func (s *Store) AllCurrent(ctx context.Context) ([]Bookmark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bookmarkColumns+` FROM bookmarks WHERE NOT deleted ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing bookmarks: %w", err)
	}
	defer rows.Close()

	return collectBookmarks(rows)
}

// Count returns the number of live bookmarks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bookmarks WHERE NOT deleted`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting bookmarks: %w", err)
	}
	return count, nil
}

// SetTags replaces the tag set of a bookmark.
func (s *Store) SetTags(ctx context.Context, id string, tags []string) error {
	tagsJSON, err := json.Marshal(emptyIfNil(tags))
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	return s.updateOrganizational(ctx, id, `UPDATE bookmarks SET tags = $2 WHERE id = $1`, tagsJSON)
}

// SetFolder moves a bookmark into a folder; empty clears membership.
func (s *Store) SetFolder(ctx context.Context, id, folder string) error {
	return s.updateOrganizational(ctx, id, `UPDATE bookmarks SET folder = NULLIF($2, '') WHERE id = $1`, folder)
}

// SetFavorite toggles the favorite flag.
func (s *Store) SetFavorite(ctx context.Context, id string, favorite bool) error {
	return s.updateOrganizational(ctx, id, `UPDATE bookmarks SET favorite = $2 WHERE id = $1`, favorite)
}

// Delete tombstones a bookmark. The row stays so a re-import of the same
// external id does not resurrect it.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.updateOrganizational(ctx, id, `UPDATE bookmarks SET deleted = TRUE WHERE id = $1`)
}

func (s *Store) updateOrganizational(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("updating bookmark %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func marshalBookmarkLists(b Bookmark) (mediaJSON, tagsJSON []byte, err error) {
	mediaJSON, err = json.Marshal(emptyIfNil(b.MediaURLs))
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling media urls: %w", err)
	}
	tagsJSON, err = json.Marshal(emptyIfNil(b.Tags))
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling tags: %w", err)
	}
	return mediaJSON, tagsJSON, nil
}

func scanBookmark(row pgx.Row) (*Bookmark, error) {
	var (
		b         Bookmark
		mediaJSON []byte
		tagsJSON  []byte
		folder    *string
	)
	err := row.Scan(&b.ID, &b.AuthorHandle, &b.AuthorName, &b.Text, &b.PostedAt,
		&b.SavedAt, &b.URL, &mediaJSON, &tagsJSON, &folder, &b.Favorite)
	if err != nil {
		return nil, err
	}
	if folder != nil {
		b.Folder = *folder
	}
	if err := json.Unmarshal(mediaJSON, &b.MediaURLs); err != nil {
		return nil, fmt.Errorf("parsing media urls for %q: %w", b.ID, err)
	}
	if err := json.Unmarshal(tagsJSON, &b.Tags); err != nil {
		return nil, fmt.Errorf("parsing tags for %q: %w", b.ID, err)
	}
	return &b, nil
}

func collectBookmarks(rows pgx.Rows) ([]Bookmark, error) {
	var out []Bookmark
	for rows.Next() {
		b, err := scanBookmark(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bookmark: %w", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bookmarks: %w", err)
	}
	return out, nil
}

func trimTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// escapeLike escapes ILIKE metacharacters so user keywords match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
