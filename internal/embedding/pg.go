package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGQuerier is the PostgreSQL + pgvector implementation of Querier.
// The upsert is a single statement, so each vector write is atomic and
// a reader sees either the old complete vector or the new one.
type PGQuerier struct {
	pool *pgxpool.Pool
}

// NewPGQuerier creates a PGQuerier backed by the given pool.
func NewPGQuerier(pool *pgxpool.Pool) *PGQuerier {
	return &PGQuerier{pool: pool}
}

func (q *PGQuerier) ContentHashes(ctx context.Context, ids []string) (map[string]string, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT bookmark_id, content_hash FROM embeddings WHERE bookmark_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("loading content hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scanning content hash: %w", err)
		}
		hashes[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating content hashes: %w", err)
	}
	return hashes, nil
}

func (q *PGQuerier) Vector(ctx context.Context, id string) ([]float32, string, error) {
	var (
		vec  pgvector.Vector
		hash string
	)
	err := q.pool.QueryRow(ctx,
		`SELECT embedding, content_hash FROM embeddings WHERE bookmark_id = $1`, id).
		Scan(&vec, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", ErrNoVector, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading vector: %w", err)
	}
	return vec.Slice(), hash, nil
}

func (q *PGQuerier) Upsert(ctx context.Context, id, contentHash string, vec []float32) error {
	v := pgvector.NewVector(vec)
	_, err := q.pool.Exec(ctx, `
		INSERT INTO embeddings (bookmark_id, content_hash, embedding, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (bookmark_id) DO UPDATE
		SET content_hash = EXCLUDED.content_hash,
		    embedding = EXCLUDED.embedding,
		    updated_at = now()`,
		id, contentHash, v)
	if err != nil {
		return fmt.Errorf("upserting vector for %q: %w", id, err)
	}
	return nil
}

func (q *PGQuerier) Search(ctx context.Context, vec []float32, limit int32, minSimilarity float64) ([]Match, error) {
	if limit <= 0 {
		limit = 40
	}
	v := pgvector.NewVector(vec)

	// <=> is cosine distance; similarity = 1 - distance.
	rows, err := q.pool.Query(ctx, `
		SELECT b.id, b.author_handle, b.author_name, b.body, b.posted_at, b.saved_at,
		       b.url, b.folder, b.favorite,
		       1 - (e.embedding <=> $1) AS similarity
		FROM embeddings e
		JOIN bookmarks b ON b.id = e.bookmark_id
		WHERE NOT b.deleted AND 1 - (e.embedding <=> $1) >= $2
		ORDER BY e.embedding <=> $1
		LIMIT $3`, v, minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m      Match
			folder *string
		)
		if err := rows.Scan(&m.Bookmark.ID, &m.Bookmark.AuthorHandle, &m.Bookmark.AuthorName,
			&m.Bookmark.Text, &m.Bookmark.PostedAt, &m.Bookmark.SavedAt,
			&m.Bookmark.URL, &folder, &m.Bookmark.Favorite, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if folder != nil {
			m.Bookmark.Folder = *folder
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return matches, nil
}

var _ Querier = (*PGQuerier)(nil)
