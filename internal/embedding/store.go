package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/koopa0/stash/internal/llm"
	"github.com/koopa0/stash/internal/store"
)

// ErrBatchFailure reports the items that could not be embedded after
// per-item retries. Lexical search is unaffected; the items are simply
// absent from semantic search until the next maintenance cycle.
var ErrBatchFailure = errors.New("embedding batch failure")

// Querier is the persistence interface the Store depends on. Defined on
// the consumer side so tests can substitute a mock; the production
// implementation is PGQuerier.
type Querier interface {
	// ContentHashes returns the stored content hash per bookmark id, for
	// the subset of ids that have a vector.
	ContentHashes(ctx context.Context, ids []string) (map[string]string, error)

	// Vector returns the stored vector and hash for one bookmark.
	// Returns ErrNoVector when absent.
	Vector(ctx context.Context, id string) ([]float32, string, error)

	// Upsert atomically writes one vector keyed by bookmark id and
	// content hash. A vector is either absent or complete and current.
	Upsert(ctx context.Context, id, contentHash string, vec []float32) error

	// Search returns bookmarks ranked by cosine similarity to vec,
	// discarding hits below minSimilarity.
	Search(ctx context.Context, vec []float32, limit int32, minSimilarity float64) ([]Match, error)
}

// ErrNoVector indicates no vector is stored for the bookmark.
var ErrNoVector = errors.New("no vector stored")

// Config tunes the Store.
type Config struct {
	BatchSize      int           // items per embedding call, bounded by provider limits
	BatchTimeout   time.Duration // per-call timeout
	MaxItemRetries int           // bounded per-item retry attempts on batch failure
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		BatchSize:      20,
		BatchTimeout:   30 * time.Second,
		MaxItemRetries: 3,
	}
}

// Store computes and persists bookmark embeddings and answers
// nearest-neighbor queries. Safe for concurrent use.
type Store struct {
	querier  Querier
	embedder llm.Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates a Store. Zero-value Config fields take defaults.
func New(querier Querier, embedder llm.Embedder, cfg Config, logger *slog.Logger) *Store {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.MaxItemRetries <= 0 {
		cfg.MaxItemRetries = def.MaxItemRetries
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		querier:  querier,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Ensure returns the current vector for one bookmark, computing and
// persisting it only when absent or stale. Idempotent: a second call on
// unchanged text performs no model call.
func (s *Store) Ensure(ctx context.Context, b store.Bookmark) ([]float32, error) {
	hash := ContentHash(b.Text)

	vec, storedHash, err := s.querier.Vector(ctx, b.ID)
	if err != nil && !errors.Is(err, ErrNoVector) {
		return nil, fmt.Errorf("loading vector for %q: %w", b.ID, err)
	}
	if err == nil && storedHash == hash {
		return vec, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	vectors, err := s.embedder.Embed(embedCtx, []string{b.Text})
	if err != nil {
		return nil, fmt.Errorf("embedding bookmark %q: %w", b.ID, err)
	}

	if err := s.querier.Upsert(ctx, b.ID, hash, vectors[0]); err != nil {
		return nil, fmt.Errorf("storing vector for %q: %w", b.ID, err)
	}

	s.logger.Debug("embedded bookmark", "id", b.ID)
	return vectors[0], nil
}

// Stats summarizes one EnsureAll maintenance pass.
type Stats struct {
	Checked   int
	Embedded  int
	Skipped   int      // hash current, no work
	FailedIDs []string // excluded from semantic search until the next cycle
}

// EnsureAll brings the vector index up to date for the given corpus
// snapshot. Work is split into bounded batches; when a batch call fails,
// only its items are retried — individually, with exponential backoff —
// so one poisoned item cannot block the rest. Permanently failed items
// are reported via Stats and ErrBatchFailure, never as a fatal error.
func (s *Store) EnsureAll(ctx context.Context, bookmarks []store.Bookmark) (Stats, error) {
	stats := Stats{Checked: len(bookmarks)}
	if len(bookmarks) == 0 {
		return stats, nil
	}

	ids := make([]string, len(bookmarks))
	for i, b := range bookmarks {
		ids[i] = b.ID
	}
	stored, err := s.querier.ContentHashes(ctx, ids)
	if err != nil {
		return stats, fmt.Errorf("loading stored hashes: %w", err)
	}

	var pending []store.Bookmark
	for _, b := range bookmarks {
		if stored[b.ID] == ContentHash(b.Text) {
			stats.Skipped++
			continue
		}
		pending = append(pending, b)
	}

	for start := 0; start < len(pending); start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := min(start+s.cfg.BatchSize, len(pending))
		batch := pending[start:end]

		embedded, failed := s.embedBatch(ctx, batch)
		stats.Embedded += embedded
		stats.FailedIDs = append(stats.FailedIDs, failed...)
	}

	if len(stats.FailedIDs) > 0 {
		return stats, fmt.Errorf("%w: %d of %d items", ErrBatchFailure, len(stats.FailedIDs), len(pending))
	}
	return stats, nil
}

// embedBatch embeds one bounded batch. On batch failure it falls back to
// per-item calls with backoff so only the genuinely bad items are lost.
func (s *Store) embedBatch(ctx context.Context, batch []store.Bookmark) (embedded int, failed []string) {
	texts := make([]string, len(batch))
	for i, b := range batch {
		texts[i] = b.Text
	}

	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	vectors, err := s.embedder.Embed(batchCtx, texts)
	cancel()

	if err == nil {
		for i, b := range batch {
			if upErr := s.querier.Upsert(ctx, b.ID, ContentHash(b.Text), vectors[i]); upErr != nil {
				s.logger.Warn("storing vector failed", "id", b.ID, "error", upErr)
				failed = append(failed, b.ID)
				continue
			}
			embedded++
		}
		return embedded, failed
	}

	s.logger.Warn("batch embedding failed, retrying items individually",
		"batch_size", len(batch), "error", err)

	for _, b := range batch {
		if err := s.embedOneWithRetry(ctx, b); err != nil {
			s.logger.Warn("embedding item failed permanently", "id", b.ID, "error", err)
			failed = append(failed, b.ID)
			continue
		}
		embedded++
	}
	return embedded, failed
}

func (s *Store) embedOneWithRetry(ctx context.Context, b store.Bookmark) error {
	op := func() error {
		itemCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()

		vectors, err := s.embedder.Embed(itemCtx, []string{b.Text})
		if err != nil {
			if !llm.KindOf(err).Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		return s.querier.Upsert(ctx, b.ID, ContentHash(b.Text), vectors[0])
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.cfg.MaxItemRetries)), ctx)
	return backoff.Retry(op, policy)
}

// Search embeds the topic text and returns the top matches by cosine
// similarity, discarding hits below minSimilarity rather than padding.
func (s *Store) Search(ctx context.Context, topic string, limit int32, minSimilarity float64) ([]Match, error) {
	if topic == "" {
		return nil, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	vectors, err := s.embedder.Embed(embedCtx, []string{topic})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := s.querier.Search(ctx, vectors[0], limit, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	return matches, nil
}
