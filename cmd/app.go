/*
Copyright © 2025 docverse
*/
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/docverse/docsim-be/config"
	"github.com/docverse/docsim-be/database"
	"github.com/docverse/docsim-be/repository"
	"github.com/docverse/docsim-be/resilience"
	"github.com/docverse/docsim-be/service"
)

// application bundles everything the commands need after wiring.
type application struct {
	cfg       *config.Config
	documents repository.DocumentRepo
	chunks    repository.ChunkRepo
	index     database.VectorIndex
	pipeline  *service.PipelineService
	search    *service.SearchService
	files     *service.FileService
	notifier  *service.NotifyService
}

// buildApp wires the whole dependency graph from config. withServer controls
// whether a websocket notifier is attached; CLI commands run without one.
func buildApp(ctx context.Context, configPath string, withServer bool) (*application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	mongoClient, err := database.NewMongoClient(ctx, cfg.MongoURI)
	if err != nil {
		return nil, err
	}
	db := mongoClient.Database(cfg.MongoDatabase)
	documents := repository.NewDocumentRepo(db)
	chunks := repository.NewChunkRepo(db)

	index, err := database.NewWeaviateIndex(database.WeaviateIndexConfig{
		Host:      cfg.Weaviate.Host,
		APIKey:    cfg.Weaviate.APIKey,
		ClassName: cfg.Weaviate.ClassName,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		return nil, err
	}
	if err := index.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure index schema: %w", err)
	}

	embedder, err := buildEmbedder(ctx, cfg.Embedding)
	if err != nil {
		return nil, err
	}

	// Page-limit refusals, bad embeddings and cancellations are terminal;
	// everything else is worth another attempt.
	isRetryable := func(err error) bool {
		if service.IsPageLimitError(err) {
			return false
		}
		return service.IsRetryableEmbeddingError(err)
	}
	res := resilience.NewService(resilience.Settings{
		Extraction:         policySettings(cfg.Resilience.Extraction),
		Embeddings:         policySettings(cfg.Resilience.Embeddings),
		Index:              policySettings(cfg.Resilience.Index),
		Store:              policySettings(cfg.Resilience.Store),
		BreakerMaxFailures: cfg.Resilience.Breaker.MaxFailures,
		BreakerCooldown:    time.Duration(cfg.Resilience.Breaker.CooldownMs) * time.Millisecond,
	}, isRetryable)

	extractor := service.NewExtractService(cfg.Processing.SyncPageLimit)
	chunker := service.NewChunkService(
		cfg.Chunker.MinChunkCharacters,
		cfg.Chunker.MaxChunkCharacters,
		cfg.Chunker.SentencesPerChunk,
		cfg.Chunker.SentenceOverlap,
	)
	sizer := service.NewSizeStrategy(cfg.Processing.BytesPerPage, cfg.Processing.SyncPageLimit)

	var notifier *service.NotifyService
	var pipelineNotifier service.Notifier = service.NopNotifier{}
	if withServer {
		notifier = service.NewNotifyService()
		pipelineNotifier = notifier
	}

	pipeline := service.NewPipelineService(
		documents, chunks, index,
		extractor, chunker, embedder, sizer, res, pipelineNotifier,
		service.PipelineConfig{
			ExtractionPageBatch: cfg.Processing.ExtractionPageBatch,
			MaxConcurrentChunks: cfg.Processing.MaxConcurrentChunks,
			IntraBatchAttempts:  cfg.Processing.IntraBatchAttempts,
			IntraBatchBaseDelay: time.Duration(cfg.Processing.IntraBatchBaseDelayMs) * time.Millisecond,
			DocumentRetrier: resilience.DocumentRetrier{
				MaxAttempts:     cfg.Processing.DocumentMaxAttempts,
				BaseDelay:       time.Duration(cfg.Processing.DocumentBaseDelayMs) * time.Millisecond,
				MaxDelay:        time.Duration(cfg.Processing.DocumentMaxDelayMs) * time.Millisecond,
				BackoffFactor:   cfg.Processing.DocumentBackoffFactor,
				RateLimitFactor: cfg.Processing.DocumentRateLimitFactor,
				IsRetryable:     isRetryable,
			},
		},
	)

	search := service.NewSearchService(documents, chunks, index, service.SearchSettings{
		MinScore:                cfg.Search.MinScore,
		SectionReuseThreshold:   cfg.Search.SectionReuseThreshold,
		Stage0TopK:              cfg.Search.Stage0TopK,
		Stage1TopK:              cfg.Search.Stage1TopK,
		Stage1Enabled:           cfg.Search.Stage1Enabled,
		Stage1NeighborsPerChunk: cfg.Search.Stage1NeighborsPerChunk,
		Stage2ParallelWorkers:   cfg.Search.Stage2ParallelWorkers,
		Stage2FallbackThreshold: cfg.Search.Stage2FallbackThreshold,
	})

	return &application{
		cfg:       cfg,
		documents: documents,
		chunks:    chunks,
		index:     index,
		pipeline:  pipeline,
		search:    search,
		files:     service.NewFileService(cfg.UploadDir, documents),
		notifier:  notifier,
	}, nil
}

func buildEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (service.Embedder, error) {
	switch cfg.Provider {
	case "gemini":
		return service.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.Model, cfg.Dimension)
	case "openai", "":
		return service.NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func policySettings(p config.PolicyConfig) resilience.PolicySettings {
	return resilience.PolicySettings{
		MaxAttempts:   p.MaxAttempts,
		BaseDelay:     time.Duration(p.BaseDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(p.MaxDelayMs) * time.Millisecond,
		BackoffFactor: p.BackoffFactor,
	}
}
