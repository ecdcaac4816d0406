package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"golang.org/x/time/rate"

	"github.com/koopa0/stash/internal/config"
)

// GenkitClient implements Client on top of Genkit with the Google AI
// plugin. A shared rate limiter sits in front of every call so bursts of
// embedding batches cannot starve the answer stream of quota.
type GenkitClient struct {
	g         *genkit.Genkit
	embedder  ai.Embedder
	modelName string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewGenkitClient initializes Genkit with the Google AI plugin.
// The API key is read by the plugin from GEMINI_API_KEY; config
// validation has already confirmed it is present.
func NewGenkitClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*GenkitClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder model %q not available", cfg.EmbedderModel)
	}

	return &GenkitClient{
		g:         g,
		embedder:  embedder,
		modelName: cfg.ModelName,
		// 10 req/s sustained with burst headroom matches provider free-tier limits.
		limiter: rate.NewLimiter(10, 30),
		logger:  logger,
	}, nil
}

// Complete performs a single synchronous completion call.
func (c *GenkitClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := genkit.Generate(ctx, c.g,
		ai.WithPrompt(prompt),
		ai.WithModelName(c.modelName),
	)
	if err != nil {
		return "", wrap(err)
	}
	return resp.Text(), nil
}

// StreamComplete performs a streaming completion call, forwarding each
// text increment to emit.
func (c *GenkitClient) StreamComplete(ctx context.Context, prompt string, emit StreamFunc) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	_, err := genkit.Generate(ctx, c.g,
		ai.WithPrompt(prompt),
		ai.WithModelName(c.modelName),
		ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return emit(ctx, text)
		}),
	)
	if err != nil {
		return wrap(err)
	}
	return nil
}

// Embed computes embeddings for a batch of texts, one vector per input
// in input order.
func (c *GenkitClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, wrap(err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, &Error{
			Kind: KindProviderError,
			Err:  fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(resp.Embeddings)),
		}
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, &Error{
				Kind: KindProviderError,
				Err:  fmt.Errorf("empty embedding at index %d", i),
			}
		}
		vectors[i] = e.Embedding
	}
	return vectors, nil
}

var _ Client = (*GenkitClient)(nil)
