package service

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/docverse/docsim-be/types"
)

// SizeStrategy classifies a document by its byte size into a processing
// profile: estimated pages, extraction strategy, and batching parameters.
// The classifier is pure so the pipeline can be tested without files.
type SizeStrategy struct {
	bytesPerPage  int64
	syncPageLimit int
}

func NewSizeStrategy(bytesPerPage int64, syncPageLimit int) *SizeStrategy {
	if bytesPerPage <= 0 {
		bytesPerPage = 75 * 1024
	}
	return &SizeStrategy{
		bytesPerPage:  bytesPerPage,
		syncPageLimit: syncPageLimit,
	}
}

// Profile estimates the page count from the file size, name and content type,
// and picks the tier, extraction strategy and batching configuration for it.
// The estimate only drives batching; the real page count comes from
// extraction.
func (s *SizeStrategy) Profile(fileSize int64, fileName, contentType string) types.SizeProfile {
	estimatedPages := int(fileSize / s.bytesPerPage)
	if estimatedPages < 1 {
		estimatedPages = 1
	}
	// The byte estimate assumes PDF density. A standalone image is a single
	// page no matter how large its file is.
	if strings.HasPrefix(contentType, "image/") || isImageFile(fileName) {
		estimatedPages = 1
	}

	var tier types.SizeTier
	var cfg types.ProcessingConfig
	switch {
	case estimatedPages <= 20:
		tier = types.TierSmall
		cfg = types.ProcessingConfig{BatchSize: 32, MaxConcurrency: 8}
	case estimatedPages <= 100:
		tier = types.TierMedium
		cfg = types.ProcessingConfig{BatchSize: 16, MaxConcurrency: 6, InterBatchDelay: 250 * time.Millisecond}
	case estimatedPages <= 500:
		tier = types.TierLarge
		cfg = types.ProcessingConfig{BatchSize: 8, MaxConcurrency: 4, InterBatchDelay: 500 * time.Millisecond, HintGC: true}
	default:
		tier = types.TierHuge
		cfg = types.ProcessingConfig{BatchSize: 4, MaxConcurrency: 2, InterBatchDelay: time.Second, HintGC: true}
	}

	strategy := types.ExtractSync
	if s.syncPageLimit > 0 && estimatedPages > s.syncPageLimit {
		strategy = types.ExtractChunked
	}

	return types.SizeProfile{
		Tier:           tier,
		EstimatedPages: estimatedPages,
		Strategy:       strategy,
		Config:         cfg,
	}
}

func isImageFile(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return true
	}
	return false
}
