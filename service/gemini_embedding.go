package service

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiEmbedder is the alternate embedding provider, backed by the Gemini
// embedding models.
type GeminiEmbedder struct {
	client    *genai.Client
	model     *genai.EmbeddingModel
	dimension int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dimension int) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiEmbedder{
		client:    client,
		model:     client.EmbeddingModel(modelName),
		dimension: dimension,
	}, nil
}

func (e *GeminiEmbedder) Dimension() int { return e.dimension }

func (e *GeminiEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	res, err := e.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrBadEmbedding)
	}
	vector := res.Embedding.Values
	if err := validateEmbedding(vector, e.dimension); err != nil {
		return nil, err
	}
	return vector, nil
}

func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}
