package types

import "fmt"

// PageRange optionally restricts a similarity search to part of the source
// document.
type PageRange struct {
	UseEntireDocument bool `json:"use_entire_document"`
	StartPage         int  `json:"start_page,omitempty"`
	EndPage           int  `json:"end_page,omitempty"`
}

// Validate checks the range against the document's page count. Called before
// any index query executes.
func (r PageRange) Validate(totalPages int) error {
	if r.UseEntireDocument {
		return nil
	}
	if r.StartPage < 1 || r.EndPage < 1 {
		return fmt.Errorf("page range invalid: pages must be >= 1, got %d-%d", r.StartPage, r.EndPage)
	}
	if r.StartPage > r.EndPage {
		return fmt.Errorf("page range invalid: start must be <= end, got %d-%d", r.StartPage, r.EndPage)
	}
	if totalPages > 0 && r.EndPage > totalPages {
		return fmt.Errorf("page range invalid: end page %d exceeds document page count %d", r.EndPage, totalPages)
	}
	return nil
}

// SearchOptions tunes the three search stages. Zero values fall back to the
// configured defaults.
type SearchOptions struct {
	Stage0TopK              int               `json:"stage0_topK,omitempty"`
	Stage1TopK              int               `json:"stage1_topK,omitempty"`
	Stage1Enabled           *bool             `json:"stage1_enabled,omitempty"`
	Stage1NeighborsPerChunk int               `json:"stage1_neighborsPerChunk,omitempty"`
	Stage2ParallelWorkers   int               `json:"stage2_parallelWorkers,omitempty"`
	Stage2FallbackThreshold int               `json:"stage2_fallbackThreshold,omitempty"`
	Filters                 []FilterCondition `json:"filters,omitempty"`
	SourcePageRange         *PageRange        `json:"sourcePageRange,omitempty"`
}

// SearchRequest is a similarity query for documents resembling DocumentID.
type SearchRequest struct {
	DocumentID string        `json:"document_id"`
	Owner      string        `json:"owner"`
	Options    SearchOptions `json:"options"`
}

// ScoreBundle holds the bidirectional scores for one result. Both scores are
// in [0,1].
type ScoreBundle struct {
	SourceScore             float64 `json:"sourceScore"`
	TargetScore             float64 `json:"targetScore"`
	MatchedSourceCharacters int     `json:"matchedSourceCharacters"`
	MatchedTargetCharacters int     `json:"matchedTargetCharacters"`
	LengthRatio             float64 `json:"lengthRatio"`
	Explanation             string  `json:"explanation,omitempty"`
}

// Section is a contiguous page range in a matched document sharing a similar
// average match score.
type Section struct {
	StartPage    int     `json:"start_page"`
	EndPage      int     `json:"end_page"`
	AverageScore float64 `json:"average_score"`
	Reusable     bool    `json:"reusable"`
	ChunkCount   int     `json:"chunk_count"`
}

// SearchResultItem pairs a matched document with its score bundle.
type SearchResultItem struct {
	Document          *Document   `json:"document"`
	Scores            ScoreBundle `json:"scores"`
	MatchedChunkCount int         `json:"matchedChunkCount"`
	Sections          []Section   `json:"sections"`
}

// StageCounts reports candidate counts per stage for observability.
type StageCounts struct {
	Stage0Candidates int `json:"stage0_candidates"`
	Stage1Candidates int `json:"stage1_candidates"`
	FinalResults     int `json:"final_results"`
}

// StageTiming reports per-stage wall time in milliseconds.
type StageTiming struct {
	Stage0Ms int64 `json:"stage0_ms"`
	Stage1Ms int64 `json:"stage1_ms"`
	Stage2Ms int64 `json:"stage2_ms"`
	TotalMs  int64 `json:"total_ms"`
}

// SearchResponse is the full result of a similarity query.
type SearchResponse struct {
	Results []SearchResultItem `json:"results"`
	Stages  StageCounts        `json:"stages"`
	Timing  StageTiming        `json:"timing"`
}
