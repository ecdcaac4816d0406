package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/stash/internal/answer"
	"github.com/koopa0/stash/internal/config"
	"github.com/koopa0/stash/internal/embedding"
	"github.com/koopa0/stash/internal/llm"
	"github.com/koopa0/stash/internal/log"
	"github.com/koopa0/stash/internal/query"
	"github.com/koopa0/stash/internal/retrieval"
	"github.com/koopa0/stash/internal/store"
)

// app holds the storage-side wiring shared by every command.
type app struct {
	cfg    *config.Config
	logger log.Logger
	pool   *pgxpool.Pool
	store  *store.Store
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		store:  store.New(pool, logger),
	}, nil
}

func (a *app) close() {
	a.pool.Close()
}

// pipeline adds the model-backed components on top of app. Commands
// that talk to the model need a configured API key.
type pipeline struct {
	*app
	client     *llm.GenkitClient
	embeddings *embedding.Store
	session    *answer.Session
}

func newPipeline(ctx context.Context) (*pipeline, error) {
	a, err := newApp(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.cfg.RequireAPIKey(); err != nil {
		a.close()
		return nil, err
	}

	client, err := llm.NewGenkitClient(ctx, a.cfg, a.logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initializing model client: %w", err)
	}

	embeddings := embedding.New(
		embedding.NewPGQuerier(a.pool), client,
		embedding.Config{
			BatchSize:      a.cfg.EmbedBatchSize,
			BatchTimeout:   a.cfg.EmbedTimeout(),
			MaxItemRetries: a.cfg.MaxEmbedItemRetries,
		}, a.logger)

	analyzer := query.NewAnalyzer(client, a.cfg.AnalysisTimeout(), a.logger)

	retriever := retrieval.New(a.store, embeddings, retrieval.Config{
		Limit:          int32(a.cfg.RetrievalLimit),
		LexicalWeight:  a.cfg.LexicalWeight,
		SemanticWeight: a.cfg.SemanticWeight,
		MinSimilarity:  a.cfg.MinSimilarity,
	}, a.logger)

	streamer := answer.NewStreamer(client, a.store, answer.Config{
		CoalesceInterval: a.cfg.CoalesceInterval(),
		IdleTimeout:      a.cfg.StreamIdleTimeout(),
		MaxRetries:       a.cfg.MaxStreamRetries,
		MaxHistoryTokens: a.cfg.MaxHistoryTokens,
	}, a.logger)

	return &pipeline{
		app:        a,
		client:     client,
		embeddings: embeddings,
		session:    answer.NewSession(analyzer, retriever, streamer, a.store, client, a.logger),
	}, nil
}
