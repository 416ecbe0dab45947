package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the retrieval core.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	MaxUploadMB   int    `mapstructure:"max_upload_mb"`
	UploadDataDir string `mapstructure:"upload_data_dir"`
}

// LLMConfig contains LLM provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration.
type LLMProvider struct {
	Type            string        `mapstructure:"type"` // openai, local, etc.
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	CompletionModel string        `mapstructure:"completion_model"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig defines which provider serves each task.
type LLMRoutingConfig struct {
	Embedding string `mapstructure:"embedding"` // provider key for vectorization
	Expansion string `mapstructure:"expansion"` // provider key for query expansion
	Fallback  string `mapstructure:"fallback"`
}

// IngestConfig controls chunking and embedding during document ingestion.
type IngestConfig struct {
	MaxChunkTokens      int           `mapstructure:"max_chunk_tokens"`
	OverlapTokens       int           `mapstructure:"overlap_tokens"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	EmbedBatchSize      int           `mapstructure:"embed_batch_size"`
	EmbedWorkers        int           `mapstructure:"embed_workers"`
	EmbedCacheTTL       time.Duration `mapstructure:"embed_cache_ttl"`
	DuplicateFloor      float64       `mapstructure:"duplicate_floor"`
}

// Normalize applies defaults for unset ingest values.
func (c IngestConfig) Normalize() IngestConfig {
	if c.MaxChunkTokens <= 0 {
		c.MaxChunkTokens = 200
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = 0
	}
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = 1536
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 32
	}
	if c.EmbedWorkers <= 0 {
		c.EmbedWorkers = 4
	}
	if c.DuplicateFloor <= 0 {
		c.DuplicateFloor = 0.85
	}
	return c
}

// Validate checks the ingest configuration.
func (c IngestConfig) Validate() error {
	if c.OverlapTokens >= c.MaxChunkTokens {
		return fmt.Errorf("ingest.overlap_tokens must be smaller than ingest.max_chunk_tokens")
	}
	return nil
}

// RerankWeights combines the retrieval ranking signals. The split between
// similarity, consensus and metadata is policy, not a constant.
type RerankWeights struct {
	Similarity float64 `mapstructure:"similarity"`
	Consensus  float64 `mapstructure:"consensus"`
	Metadata   float64 `mapstructure:"metadata"`
}

// Normalize scales the weights so they sum to one.
func (w RerankWeights) Normalize() RerankWeights {
	sum := w.Similarity + w.Consensus + w.Metadata
	if sum <= 0 {
		return RerankWeights{Similarity: 0.6, Consensus: 0.25, Metadata: 0.15}
	}
	return RerankWeights{
		Similarity: w.Similarity / sum,
		Consensus:  w.Consensus / sum,
		Metadata:   w.Metadata / sum,
	}
}

// RetrievalConfig controls query expansion, reranking and context assembly.
type RetrievalConfig struct {
	TopKPerVariant int           `mapstructure:"top_k_per_variant"`
	MaxExpansions  int           `mapstructure:"max_expansions"`
	MinSimilarity  float64       `mapstructure:"min_similarity"`
	DedupThreshold float64       `mapstructure:"dedup_threshold"`
	ContextBudget  int           `mapstructure:"context_budget"`
	RecencyHalfing time.Duration `mapstructure:"recency_halving"`
	Weights        RerankWeights `mapstructure:"weights"`
}

// Normalize applies defaults for unset retrieval values.
func (c RetrievalConfig) Normalize() RetrievalConfig {
	if c.TopKPerVariant <= 0 {
		c.TopKPerVariant = 10
	}
	if c.MaxExpansions < 0 {
		c.MaxExpansions = 0
	}
	if c.MaxExpansions == 0 {
		c.MaxExpansions = 3
	}
	if c.DedupThreshold <= 0 {
		c.DedupThreshold = 0.95
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 3000
	}
	if c.RecencyHalfing <= 0 {
		c.RecencyHalfing = 30 * 24 * time.Hour
	}
	c.Weights = c.Weights.Normalize()
	return c
}

// Validate checks the retrieval configuration.
func (c RetrievalConfig) Validate() error {
	if c.MinSimilarity < 0 || c.MinSimilarity >= 1 {
		return fmt.Errorf("retrieval.min_similarity must be in [0,1)")
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("retrieval.dedup_threshold must be in (0,1]")
	}
	return nil
}

// FallbackConfig controls the in-process fallback index.
type FallbackConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	LatencyBudget time.Duration `mapstructure:"latency_budget"`
	Freshness     time.Duration `mapstructure:"freshness"`
	RetryLimit    int           `mapstructure:"retry_limit"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// Normalize applies defaults for unset fallback values.
func (c FallbackConfig) Normalize() FallbackConfig {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.LatencyBudget <= 0 {
		c.LatencyBudget = 2 * time.Second
	}
	if c.Freshness <= 0 {
		c.Freshness = 24 * time.Hour
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a connection string from the discrete fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings for the embedding cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required when redis is enabled")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when redis is enabled")
	}
	return nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file and environment.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.max_upload_mb", 50)
	viper.SetDefault("general.default_timeout", "30s")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("CONTEXTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	config.Ingest = config.Ingest.Normalize()
	config.Retrieval = config.Retrieval.Normalize()
	config.Fallback = config.Fallback.Normalize()

	if err := config.Ingest.Validate(); err != nil {
		return nil, err
	}
	if err := config.Retrieval.Validate(); err != nil {
		return nil, err
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	if err := config.Telemetry.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
