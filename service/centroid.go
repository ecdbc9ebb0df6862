package service

import (
	"fmt"

	"github.com/docverse/docsim-be/utils"
)

// ChunkVector is one chunk's vector plus the bookkeeping the centroid needs.
type ChunkVector struct {
	Index          int
	Vector         []float32
	CharacterCount int
}

// CentroidResult is the document-level aggregate stored on the document row.
type CentroidResult struct {
	Vector              []float32
	EffectiveChunkCount int
	TotalCharacters     int
}

// ComputeCentroid builds the document centroid: the L2-normalized mean over
// one vector per distinct chunk index. Duplicate indices keep the first
// occurrence, so a retried batch that re-embeds a chunk cannot skew the mean.
// Any malformed vector (dimension mismatch or non-finite value) aborts the
// whole computation; the caller logs it and finishes the pipeline without a
// centroid rather than storing a corrupt one.
func ComputeCentroid(vectors []ChunkVector) (*CentroidResult, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no chunk vectors")
	}

	seen := make(map[int]bool, len(vectors))
	var unique [][]float32
	totalCharacters := 0
	dimension := -1

	for _, cv := range vectors {
		if seen[cv.Index] {
			continue
		}
		seen[cv.Index] = true

		if len(cv.Vector) == 0 {
			return nil, fmt.Errorf("chunk %d has an empty vector", cv.Index)
		}
		if dimension == -1 {
			dimension = len(cv.Vector)
		} else if len(cv.Vector) != dimension {
			return nil, fmt.Errorf("chunk %d has dimension %d, want %d", cv.Index, len(cv.Vector), dimension)
		}
		if !utils.IsFinite(cv.Vector) {
			return nil, fmt.Errorf("chunk %d has a non-finite value", cv.Index)
		}

		unique = append(unique, cv.Vector)
		totalCharacters += cv.CharacterCount
	}

	mean := utils.Mean(unique)
	centroid := mean
	if utils.L2Norm(mean) > 0 {
		centroid = utils.Normalize(mean)
	}

	return &CentroidResult{
		Vector:              centroid,
		EffectiveChunkCount: len(unique),
		TotalCharacters:     totalCharacters,
	}, nil
}
