package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/docverse/docsim-be/utils"
)

// Embedder converts text into a fixed-dimension vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// ErrBadEmbedding is wrapped around validation failures on an embedding
// response: wrong dimension or non-finite values. These are never retried.
var ErrBadEmbedding = errors.New("invalid embedding")

// OpenAIEmbedder calls the OpenAI embeddings endpoint (or a compatible one
// via base URL override).
type OpenAIEmbedder struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	dimension int
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, dimension int) *OpenAIEmbedder {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(config),
		model:     openai.EmbeddingModel(model),
		dimension: dimension,
	}
}

func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrBadEmbedding)
	}
	vector := resp.Data[0].Embedding
	if err := validateEmbedding(vector, e.dimension); err != nil {
		return nil, err
	}
	return vector, nil
}

// validateEmbedding rejects vectors with an unexpected dimension or
// non-finite values before they ever reach the index.
func validateEmbedding(vector []float32, dimension int) error {
	if dimension > 0 && len(vector) != dimension {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrBadEmbedding, len(vector), dimension)
	}
	if !utils.IsFinite(vector) {
		return fmt.Errorf("%w: non-finite value in vector", ErrBadEmbedding)
	}
	return nil
}

// IsRetryableEmbeddingError classifies embedding failures: validation
// failures and context errors are terminal, everything else (network, quota,
// server) gets retried.
func IsRetryableEmbeddingError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBadEmbedding) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
