package database

import (
	"context"

	"github.com/docverse/docsim-be/types"
)

// ChunkPoint is one chunk vector plus the payload stored alongside it in the
// vector index. The payload carries everything later filtering needs.
type ChunkPoint struct {
	DocumentID     string
	ChunkIndex     int
	Vector         []float32
	Text           string
	StartPage      int
	EndPage        int
	CharacterCount int
	FileName       string
	Title          string
	Owner          string
	Tags           []string
}

// ScoredChunk is one search hit reconstructed from index payload.
type ScoredChunk struct {
	DocumentID     string
	ChunkIndex     int
	Text           string
	StartPage      int
	EndPage        int
	CharacterCount int
	Score          float64
}

// VectorIndex is the narrow contract against the vector store.
type VectorIndex interface {
	EnsureSchema(ctx context.Context) error

	UpsertChunk(ctx context.Context, point ChunkPoint) error
	BatchUpsert(ctx context.Context, points []ChunkPoint) error

	// Search returns hits at or above minScore, best first.
	Search(ctx context.Context, vector []float32, conds []types.FilterCondition, limit int, minScore float64) ([]ScoredChunk, error)

	// DeleteDocument removes every vector of a document. Idempotent.
	DeleteDocument(ctx context.Context, documentID string) error
	UpdateDocumentPayload(ctx context.Context, documentID string, payload map[string]interface{}) error

	FetchChunkVector(ctx context.Context, documentID string, chunkIndex int) ([]float32, error)
	// FetchRangeCentroid returns the normalized centroid of all vectors whose
	// page range overlaps [startPage, endPage].
	FetchRangeCentroid(ctx context.Context, documentID string, startPage, endPage int) ([]float32, error)

	CountDocumentChunks(ctx context.Context, documentID string) (int, error)
}
