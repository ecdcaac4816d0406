package config

import (
	"fmt"
	"math"
	"strings"
)

// validSSLModes are the SSL modes accepted by libpq-compatible drivers.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Validate checks the configuration for out-of-range or malformed values.
// It fails fast at startup so misconfiguration never surfaces as a
// confusing mid-pipeline error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model_name must not be empty", ErrInvalidModelName)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder_model must not be empty", ErrInvalidEmbedderModel)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: postgres_host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: postgres_port %d out of range [1, 65535]", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: postgres_db_name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.RetrievalLimit < 1 || c.RetrievalLimit > MaxRetrievalLimit {
		return fmt.Errorf("%w: retrieval_limit %d out of range [1, %d]",
			ErrInvalidRetrievalLimit, c.RetrievalLimit, MaxRetrievalLimit)
	}
	if c.LexicalWeight < 0 || c.SemanticWeight < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidMergeWeights)
	}
	if sum := c.LexicalWeight + c.SemanticWeight; math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%w: lexical_weight + semantic_weight must equal 1.0, got %g", ErrInvalidMergeWeights, sum)
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity %g out of range [0, 1]", ErrInvalidSimilarityThreshold, c.MinSimilarity)
	}
	if c.EmbedBatchSize < 1 || c.EmbedBatchSize > MaxEmbedBatchSize {
		return fmt.Errorf("%w: embed_batch_size %d out of range [1, %d]",
			ErrInvalidEmbedBatchSize, c.EmbedBatchSize, MaxEmbedBatchSize)
	}

	return nil
}

// RequireAPIKey returns ErrMissingAPIKey when no model API key is
// configured. Commands that never touch the model (migrate, import
// without eager indexing) skip this check.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY", ErrMissingAPIKey)
	}
	return nil
}
