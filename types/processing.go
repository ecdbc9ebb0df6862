package types

import "time"

// SizeTier buckets documents by estimated size for batching decisions.
type SizeTier string

const (
	TierSmall  SizeTier = "small"
	TierMedium SizeTier = "medium"
	TierLarge  SizeTier = "large"
	TierHuge   SizeTier = "huge"
)

// ExtractionStrategy selects how the extraction service is driven.
type ExtractionStrategy string

const (
	// ExtractSync sends the whole document in one extraction call.
	ExtractSync ExtractionStrategy = "sync"
	// ExtractChunked extracts the document page range by page range.
	ExtractChunked ExtractionStrategy = "chunked-by-pages"
)

// ProcessingConfig holds batching parameters chosen per size tier.
type ProcessingConfig struct {
	BatchSize       int
	MaxConcurrency  int
	InterBatchDelay time.Duration
	HintGC          bool
}

// SizeProfile is the full output of the size strategy selector.
type SizeProfile struct {
	Tier           SizeTier
	EstimatedPages int
	Strategy       ExtractionStrategy
	Config         ProcessingConfig
}
