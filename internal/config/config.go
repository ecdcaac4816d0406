// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (STASH_* plus DATABASE_URL)
//  2. Config file (~/.stash/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: provider, model, embedder model, API key
//   - Storage: PostgreSQL connection (see storage.go)
//   - Retrieval: result bound, merge weights, similarity threshold
//   - Answer: history token budget, coalescing cadence, retry bounds
//
// Sensitive values (password, API key) are never logged. Validation uses
// sentinel errors checked with errors.Is.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrMissingAPIKey indicates the required model API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidRetrievalLimit indicates the retrieval result bound is out of range.
	ErrInvalidRetrievalLimit = errors.New("invalid retrieval limit")

	// ErrInvalidMergeWeights indicates the lexical/semantic merge weights are invalid.
	ErrInvalidMergeWeights = errors.New("invalid merge weights")

	// ErrInvalidSimilarityThreshold indicates the minimum cosine similarity is out of range.
	ErrInvalidSimilarityThreshold = errors.New("invalid similarity threshold")

	// ErrInvalidEmbedBatchSize indicates the embedding batch size is out of range.
	ErrInvalidEmbedBatchSize = errors.New("invalid embedding batch size")
)

const (
	// DefaultModelName is the default answer/analysis model.
	DefaultModelName = "googleai/gemini-2.5-flash"

	// DefaultEmbedderModel is the default Gemini embedder model.
	// text-embedding-004 outputs 768 dimensions, matching the pgvector
	// schema; see embedding.VectorDimension.
	DefaultEmbedderModel = "text-embedding-004"

	// DefaultRetrievalLimit is the default bound K on retrieval candidates.
	DefaultRetrievalLimit = 20

	// MaxRetrievalLimit is the absolute maximum for K.
	MaxRetrievalLimit = 100

	// DefaultEmbedBatchSize bounds items per embedding call per provider limits.
	DefaultEmbedBatchSize = 20

	// MaxEmbedBatchSize is the provider-side cap on batch size.
	MaxEmbedBatchSize = 100
)

// Config stores application configuration.
type Config struct {
	// AI provider and model configuration
	ModelName     string `mapstructure:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key"` // SENSITIVE: never logged

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE: never logged
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Retrieval configuration
	RetrievalLimit      int     `mapstructure:"retrieval_limit"`      // K: candidate bound
	LexicalWeight       float64 `mapstructure:"lexical_weight"`       // merge weight, lexical pass
	SemanticWeight      float64 `mapstructure:"semantic_weight"`      // merge weight, semantic pass
	MinSimilarity       float64 `mapstructure:"min_similarity"`       // cosine floor for semantic hits
	EmbedBatchSize      int     `mapstructure:"embed_batch_size"`     // items per embedding call
	MaxHistoryTokens    int     `mapstructure:"max_history_tokens"`   // answer prompt history budget
	CoalesceIntervalMS  int     `mapstructure:"coalesce_interval_ms"` // delta batching cadence
	StreamIdleTimeoutS  int     `mapstructure:"stream_idle_timeout_s"`
	AnalysisTimeoutS    int     `mapstructure:"analysis_timeout_s"`
	EmbedTimeoutS       int     `mapstructure:"embed_timeout_s"`
	MaxStreamRetries    int     `mapstructure:"max_stream_retries"`
	MaxEmbedItemRetries int     `mapstructure:"max_embed_item_retries"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".stash")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// AI defaults
	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "stash")
	v.SetDefault("postgres_password", "stash_dev_password")
	v.SetDefault("postgres_db_name", "stash")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Retrieval defaults
	v.SetDefault("retrieval_limit", DefaultRetrievalLimit)
	v.SetDefault("lexical_weight", 0.6)
	v.SetDefault("semantic_weight", 0.4)
	v.SetDefault("min_similarity", 0.35)
	v.SetDefault("embed_batch_size", DefaultEmbedBatchSize)

	// Answer pipeline defaults
	v.SetDefault("max_history_tokens", 8000)
	v.SetDefault("coalesce_interval_ms", 50)
	v.SetDefault("stream_idle_timeout_s", 60)
	v.SetDefault("analysis_timeout_s", 10)
	v.SetDefault("embed_timeout_s", 30)
	v.SetDefault("max_stream_retries", 3)
	v.SetDefault("max_embed_item_retries", 3)

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables binds environment variables. Secrets are bound
// explicitly; everything else follows the STASH_ prefix convention.
func bindEnvVariables(v *viper.Viper) {
	v.SetEnvPrefix("STASH")
	v.AutomaticEnv()

	// GEMINI_API_KEY is the conventional name used by Google tooling;
	// accept it without the prefix.
	_ = v.BindEnv("gemini_api_key", "GEMINI_API_KEY", "STASH_GEMINI_API_KEY")
	_ = v.BindEnv("postgres_password", "STASH_POSTGRES_PASSWORD")
}

// CoalesceInterval returns the delta batching cadence as a duration.
func (c *Config) CoalesceInterval() time.Duration {
	return time.Duration(c.CoalesceIntervalMS) * time.Millisecond
}

// StreamIdleTimeout returns the answer-stream idle-gap timeout.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutS) * time.Second
}

// AnalysisTimeout returns the query-analysis call timeout.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutS) * time.Second
}

// EmbedTimeout returns the per-batch embedding call timeout.
func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutS) * time.Second
}
