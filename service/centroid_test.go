package service

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docverse/docsim-be/utils"
)

func TestComputeCentroidUnitNorm(t *testing.T) {
	result, err := ComputeCentroid([]ChunkVector{
		{Index: 0, Vector: []float32{1, 0, 0}, CharacterCount: 100},
		{Index: 1, Vector: []float32{0, 1, 0}, CharacterCount: 200},
		{Index: 2, Vector: []float32{0, 0, 1}, CharacterCount: 300},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.EffectiveChunkCount)
	assert.Equal(t, 600, result.TotalCharacters)
	assert.InDelta(t, 1.0, utils.L2Norm(result.Vector), 1e-6)
}

func TestComputeCentroidDedupesByIndexFirstSeen(t *testing.T) {
	result, err := ComputeCentroid([]ChunkVector{
		{Index: 0, Vector: []float32{1, 0}, CharacterCount: 100},
		{Index: 0, Vector: []float32{0, 1}, CharacterCount: 999},
		{Index: 1, Vector: []float32{1, 0}, CharacterCount: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.EffectiveChunkCount)
	assert.Equal(t, 150, result.TotalCharacters, "duplicate's characters must not count")
	// Both kept vectors point the same way, so the centroid does too.
	assert.InDelta(t, 1.0, float64(result.Vector[0]), 1e-6)
	assert.InDelta(t, 0.0, float64(result.Vector[1]), 1e-6)
}

func TestComputeCentroidRejectsDimensionMismatch(t *testing.T) {
	_, err := ComputeCentroid([]ChunkVector{
		{Index: 0, Vector: []float32{1, 0, 0}},
		{Index: 1, Vector: []float32{1, 0}},
	})
	require.Error(t, err)
}

func TestComputeCentroidRejectsNonFinite(t *testing.T) {
	_, err := ComputeCentroid([]ChunkVector{
		{Index: 0, Vector: []float32{1, 0}},
		{Index: 1, Vector: []float32{float32(math.NaN()), 0}},
	})
	require.Error(t, err)
}

func TestComputeCentroidRejectsEmptyInput(t *testing.T) {
	_, err := ComputeCentroid(nil)
	require.Error(t, err)

	_, err = ComputeCentroid([]ChunkVector{{Index: 0, Vector: nil}})
	require.Error(t, err)
}

func TestComputeCentroidZeroNormSkipsNormalization(t *testing.T) {
	result, err := ComputeCentroid([]ChunkVector{
		{Index: 0, Vector: []float32{1, 0}, CharacterCount: 10},
		{Index: 1, Vector: []float32{-1, 0}, CharacterCount: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, result.Vector)
}
