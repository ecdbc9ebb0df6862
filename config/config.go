package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string           `mapstructure:"port"`
	UploadDir     string           `mapstructure:"upload_dir"`
	MongoURI      string           `mapstructure:"MONGODB_URI"`
	MongoDatabase string           `mapstructure:"mongo_database"`
	Weaviate      WeaviateConfig   `mapstructure:"weaviate"`
	Embedding     EmbeddingConfig  `mapstructure:"embedding"`
	Chunker       ChunkerConfig    `mapstructure:"chunker"`
	Processing    ProcessingConfig `mapstructure:"processing"`
	Resilience    ResilienceConfig `mapstructure:"resilience"`
	Search        SearchConfig     `mapstructure:"search"`
}

type WeaviateConfig struct {
	Host      string `mapstructure:"host"`
	APIKey    string `mapstructure:"WEAVIATE_APIKEY"`
	ClassName string `mapstructure:"class_name"`
}

type EmbeddingConfig struct {
	Provider     string `mapstructure:"provider"` // openai | gemini
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"OPENAI_API_KEY"`
	GeminiAPIKey string `mapstructure:"GEMINI_API_KEY"`
	Model        string `mapstructure:"model"`
	Dimension    int    `mapstructure:"dimension"`
}

type ChunkerConfig struct {
	MinChunkCharacters int `mapstructure:"min_chunk_characters"`
	MaxChunkCharacters int `mapstructure:"max_chunk_characters"`
	SentencesPerChunk  int `mapstructure:"sentences_per_chunk"`
	SentenceOverlap    int `mapstructure:"sentence_overlap"`
}

type ProcessingConfig struct {
	SyncPageLimit           int   `mapstructure:"sync_page_limit"`
	BytesPerPage            int64 `mapstructure:"bytes_per_page"`
	ExtractionPageBatch     int   `mapstructure:"extraction_page_batch"`
	MaxConcurrentChunks     int   `mapstructure:"max_concurrent_chunks"`
	IntraBatchAttempts      int   `mapstructure:"intra_batch_attempts"`
	IntraBatchBaseDelayMs   int   `mapstructure:"intra_batch_base_delay_ms"`
	DocumentMaxAttempts     int   `mapstructure:"embedding_document_max_attempts"`
	DocumentBaseDelayMs     int   `mapstructure:"embedding_document_base_delay_ms"`
	DocumentMaxDelayMs      int   `mapstructure:"embedding_document_max_delay_ms"`
	DocumentBackoffFactor   float64 `mapstructure:"embedding_document_backoff_factor"`
	DocumentRateLimitFactor float64 `mapstructure:"embedding_document_rate_limit_factor"`
}

// PolicyConfig configures one named retry policy.
type PolicyConfig struct {
	MaxAttempts   int     `mapstructure:"max_attempts"`
	BaseDelayMs   int     `mapstructure:"base_delay_ms"`
	MaxDelayMs    int     `mapstructure:"max_delay_ms"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	MaxFailures int `mapstructure:"max_failures"`
	CooldownMs  int `mapstructure:"cooldown_ms"`
}

type ResilienceConfig struct {
	Extraction PolicyConfig  `mapstructure:"extraction"`
	Embeddings PolicyConfig  `mapstructure:"embeddings"`
	Index      PolicyConfig  `mapstructure:"index"`
	Store      PolicyConfig  `mapstructure:"store"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

type SearchConfig struct {
	MinScore                float64 `mapstructure:"min_score"`
	SectionReuseThreshold   float64 `mapstructure:"section_reuse_threshold"`
	Stage0TopK              int     `mapstructure:"stage0_top_k"`
	Stage1TopK              int     `mapstructure:"stage1_top_k"`
	Stage1Enabled           bool    `mapstructure:"stage1_enabled"`
	Stage1NeighborsPerChunk int     `mapstructure:"stage1_neighbors_per_chunk"`
	Stage2ParallelWorkers   int     `mapstructure:"stage2_parallel_workers"`
	Stage2FallbackThreshold int     `mapstructure:"stage2_fallback_threshold"`
}

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	v.BindEnv("MONGODB_URI")
	v.BindEnv("weaviate.WEAVIATE_APIKEY", "WEAVIATE_APIKEY")
	v.BindEnv("embedding.OPENAI_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("embedding.GEMINI_API_KEY", "GEMINI_API_KEY")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("upload_dir", "uploads")
	v.SetDefault("mongo_database", "docsim")

	v.SetDefault("weaviate.class_name", "DocumentChunk")

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)

	v.SetDefault("chunker.min_chunk_characters", 200)
	v.SetDefault("chunker.max_chunk_characters", 2000)
	v.SetDefault("chunker.sentences_per_chunk", 8)
	v.SetDefault("chunker.sentence_overlap", 2)

	v.SetDefault("processing.sync_page_limit", 100)
	v.SetDefault("processing.bytes_per_page", 75*1024)
	v.SetDefault("processing.extraction_page_batch", 20)
	v.SetDefault("processing.max_concurrent_chunks", 8)
	v.SetDefault("processing.intra_batch_attempts", 3)
	v.SetDefault("processing.intra_batch_base_delay_ms", 500)
	v.SetDefault("processing.embedding_document_max_attempts", 1000)
	v.SetDefault("processing.embedding_document_base_delay_ms", 1000)
	v.SetDefault("processing.embedding_document_max_delay_ms", 60000)
	v.SetDefault("processing.embedding_document_backoff_factor", 2.0)
	v.SetDefault("processing.embedding_document_rate_limit_factor", 4.0)

	// Embeddings get more attempts and larger backoff because of quota
	// throttling on the embedding API.
	v.SetDefault("resilience.extraction.max_attempts", 3)
	v.SetDefault("resilience.extraction.base_delay_ms", 500)
	v.SetDefault("resilience.extraction.max_delay_ms", 5000)
	v.SetDefault("resilience.extraction.backoff_factor", 2.0)
	v.SetDefault("resilience.embeddings.max_attempts", 6)
	v.SetDefault("resilience.embeddings.base_delay_ms", 1000)
	v.SetDefault("resilience.embeddings.max_delay_ms", 30000)
	v.SetDefault("resilience.embeddings.backoff_factor", 2.5)
	v.SetDefault("resilience.index.max_attempts", 4)
	v.SetDefault("resilience.index.base_delay_ms", 300)
	v.SetDefault("resilience.index.max_delay_ms", 8000)
	v.SetDefault("resilience.index.backoff_factor", 2.0)
	v.SetDefault("resilience.store.max_attempts", 3)
	v.SetDefault("resilience.store.base_delay_ms", 200)
	v.SetDefault("resilience.store.max_delay_ms", 2000)
	v.SetDefault("resilience.store.backoff_factor", 2.0)
	v.SetDefault("resilience.breaker.max_failures", 5)
	v.SetDefault("resilience.breaker.cooldown_ms", 30000)

	v.SetDefault("search.min_score", 0.75)
	v.SetDefault("search.section_reuse_threshold", 0.85)
	v.SetDefault("search.stage0_top_k", 600)
	v.SetDefault("search.stage1_top_k", 30)
	v.SetDefault("search.stage1_enabled", true)
	v.SetDefault("search.stage1_neighbors_per_chunk", 10)
	v.SetDefault("search.stage2_parallel_workers", 4)
	v.SetDefault("search.stage2_fallback_threshold", 400)
}
