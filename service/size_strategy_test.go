package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docverse/docsim-be/types"
)

func TestSizeStrategyTiers(t *testing.T) {
	s := NewSizeStrategy(75*1024, 100)

	tests := []struct {
		name      string
		fileSize  int64
		wantTier  types.SizeTier
		wantBatch int
	}{
		{"tiny file still counts one page", 1024, types.TierSmall, 32},
		{"small", 10 * 75 * 1024, types.TierSmall, 32},
		{"medium", 50 * 75 * 1024, types.TierMedium, 16},
		{"large", 300 * 75 * 1024, types.TierLarge, 8},
		{"huge", 800 * 75 * 1024, types.TierHuge, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := s.Profile(tt.fileSize, "report.pdf", "application/pdf")
			assert.Equal(t, tt.wantTier, profile.Tier)
			assert.Equal(t, tt.wantBatch, profile.Config.BatchSize)
			assert.GreaterOrEqual(t, profile.EstimatedPages, 1)
		})
	}
}

func TestSizeStrategyExtractionStrategy(t *testing.T) {
	s := NewSizeStrategy(75*1024, 100)

	small := s.Profile(10*75*1024, "report.pdf", "application/pdf")
	assert.Equal(t, types.ExtractSync, small.Strategy)

	big := s.Profile(300*75*1024, "report.pdf", "application/pdf")
	assert.Equal(t, types.ExtractChunked, big.Strategy)
}

func TestSizeStrategyImageUploadsAreSinglePage(t *testing.T) {
	s := NewSizeStrategy(75*1024, 100)

	// A scan the size of a 300-page PDF is still one page.
	byType := s.Profile(300*75*1024, "scan", "image/png")
	assert.Equal(t, 1, byType.EstimatedPages)
	assert.Equal(t, types.TierSmall, byType.Tier)
	assert.Equal(t, types.ExtractSync, byType.Strategy)

	byExt := s.Profile(300*75*1024, "scan.JPEG", "")
	assert.Equal(t, 1, byExt.EstimatedPages)
}

func TestSizeStrategyGCHint(t *testing.T) {
	s := NewSizeStrategy(75*1024, 100)

	assert.False(t, s.Profile(10*75*1024, "report.pdf", "application/pdf").Config.HintGC)
	assert.False(t, s.Profile(50*75*1024, "report.pdf", "application/pdf").Config.HintGC)
	assert.True(t, s.Profile(300*75*1024, "report.pdf", "application/pdf").Config.HintGC)
	assert.True(t, s.Profile(800*75*1024, "report.pdf", "application/pdf").Config.HintGC)
}

func TestSizeStrategyDelaysGrowWithTier(t *testing.T) {
	s := NewSizeStrategy(75*1024, 100)

	small := s.Profile(10*75*1024, "report.pdf", "application/pdf").Config
	medium := s.Profile(50*75*1024, "report.pdf", "application/pdf").Config
	large := s.Profile(300*75*1024, "report.pdf", "application/pdf").Config
	huge := s.Profile(800*75*1024, "report.pdf", "application/pdf").Config

	assert.Zero(t, small.InterBatchDelay)
	assert.Less(t, medium.InterBatchDelay, large.InterBatchDelay)
	assert.Less(t, large.InterBatchDelay, huge.InterBatchDelay)
	assert.Greater(t, small.MaxConcurrency, huge.MaxConcurrency)
}
