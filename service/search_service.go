package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/docverse/docsim-be/database"
	"github.com/docverse/docsim-be/repository"
	"github.com/docverse/docsim-be/types"
)

// SearchError tags a failure with the stage it happened in.
type SearchError struct {
	Stage string
	Err   error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search %s: %v", e.Stage, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// SearchSettings are the tunables of the search orchestrator. Request options
// override the per-request ones.
type SearchSettings struct {
	MinScore                float64
	SectionReuseThreshold   float64
	Stage0TopK              int
	Stage1TopK              int
	Stage1Enabled           bool
	Stage1NeighborsPerChunk int
	Stage2ParallelWorkers   int
	Stage2FallbackThreshold int
}

// SearchService answers "which documents resemble this one" in three stages:
// a centroid recall over the whole index, an optional per-candidate
// refinement, and a chunk-level bidirectional scoring pass.
type SearchService struct {
	documents repository.DocumentRepo
	chunks    repository.ChunkRepo
	index     database.VectorIndex
	settings  SearchSettings
}

func NewSearchService(documents repository.DocumentRepo, chunks repository.ChunkRepo, index database.VectorIndex, settings SearchSettings) *SearchService {
	return &SearchService{
		documents: documents,
		chunks:    chunks,
		index:     index,
		settings:  settings,
	}
}

// candidate is one document surviving recall, carried between stages.
type candidate struct {
	documentID  string
	coarseScore float64
}

// Search runs the full three-stage query. All request validation happens
// before the first index call.
func (s *SearchService) Search(ctx context.Context, req types.SearchRequest) (*types.SearchResponse, error) {
	totalStart := time.Now()

	if req.Owner == "" {
		return nil, &SearchError{Stage: "validate", Err: fmt.Errorf("owner is required")}
	}
	if err := types.ValidateFilters(req.Options.Filters); err != nil {
		return nil, &SearchError{Stage: "validate", Err: err}
	}

	doc, err := s.documents.GetOwnedDocument(ctx, req.DocumentID, req.Owner)
	if err != nil {
		return nil, &SearchError{Stage: "validate", Err: err}
	}
	if req.Options.SourcePageRange != nil {
		if err := req.Options.SourcePageRange.Validate(doc.PageCount); err != nil {
			return nil, &SearchError{Stage: "validate", Err: err}
		}
	}

	opts := s.resolveOptions(req.Options)

	queryVector, err := s.queryVector(ctx, doc, req.Options.SourcePageRange)
	if err != nil {
		return nil, &SearchError{Stage: "stage0", Err: err}
	}

	// Stage 0: centroid recall. The source document never matches itself, and
	// results stay inside the caller's corpus.
	stage0Start := time.Now()
	conds := append([]types.FilterCondition{
		types.Eq("owner", req.Owner),
		types.NotEq("documentId", req.DocumentID),
	}, req.Options.Filters...)

	hits, err := s.index.Search(ctx, queryVector, conds, opts.Stage0TopK, s.settings.MinScore)
	if err != nil {
		return nil, &SearchError{Stage: "stage0", Err: err}
	}
	candidates := groupByDocument(hits)
	stage0Ms := time.Since(stage0Start).Milliseconds()

	// Stage 1: optional refinement, re-scoring each candidate against its own
	// best chunks and keeping only the strongest.
	stage1Start := time.Now()
	stage0Count := len(candidates)
	if opts.Stage1Enabled && len(candidates) > opts.Stage1TopK {
		candidates = s.refineCandidates(ctx, queryVector, candidates, opts)
	}
	stage1Ms := time.Since(stage1Start).Milliseconds()

	// Stage 2: chunk-level bidirectional scoring.
	stage2Start := time.Now()
	results, err := s.scoreCandidates(ctx, doc, req, candidates, opts)
	if err != nil {
		return nil, err
	}
	stage2Ms := time.Since(stage2Start).Milliseconds()

	sortResults(results)

	return &types.SearchResponse{
		Results: results,
		Stages: types.StageCounts{
			Stage0Candidates: stage0Count,
			Stage1Candidates: len(candidates),
			FinalResults:     len(results),
		},
		Timing: types.StageTiming{
			Stage0Ms: stage0Ms,
			Stage1Ms: stage1Ms,
			Stage2Ms: stage2Ms,
			TotalMs:  time.Since(totalStart).Milliseconds(),
		},
	}, nil
}

func (s *SearchService) resolveOptions(o types.SearchOptions) SearchSettings {
	out := s.settings
	if o.Stage0TopK > 0 {
		out.Stage0TopK = o.Stage0TopK
	}
	if o.Stage1TopK > 0 {
		out.Stage1TopK = o.Stage1TopK
	}
	if o.Stage1Enabled != nil {
		out.Stage1Enabled = *o.Stage1Enabled
	}
	if o.Stage1NeighborsPerChunk > 0 {
		out.Stage1NeighborsPerChunk = o.Stage1NeighborsPerChunk
	}
	if o.Stage2ParallelWorkers > 0 {
		out.Stage2ParallelWorkers = o.Stage2ParallelWorkers
	}
	if o.Stage2FallbackThreshold > 0 {
		out.Stage2FallbackThreshold = o.Stage2FallbackThreshold
	}
	return out
}

// queryVector picks the search vector: the stored centroid for whole-document
// queries, a range centroid computed on the fly otherwise.
func (s *SearchService) queryVector(ctx context.Context, doc *types.Document, pageRange *types.PageRange) ([]float32, error) {
	if pageRange != nil && !pageRange.UseEntireDocument {
		return s.index.FetchRangeCentroid(ctx, doc.ID, pageRange.StartPage, pageRange.EndPage)
	}
	if len(doc.Centroid) > 0 {
		return doc.Centroid, nil
	}
	if doc.EmbeddingsSkipped {
		return nil, fmt.Errorf("document %s has no embeddings", doc.ID)
	}
	// Older documents may predate stored centroids; derive one from the index.
	return s.index.FetchRangeCentroid(ctx, doc.ID, 1, doc.PageCount)
}

// groupByDocument collapses chunk hits into per-document candidates, keeping
// each document's best chunk score as its coarse score.
func groupByDocument(hits []database.ScoredChunk) []candidate {
	best := make(map[string]float64)
	for _, hit := range hits {
		if hit.Score > best[hit.DocumentID] {
			best[hit.DocumentID] = hit.Score
		}
	}
	out := make([]candidate, 0, len(best))
	for id, score := range best {
		out = append(out, candidate{documentID: id, coarseScore: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].coarseScore != out[j].coarseScore {
			return out[i].coarseScore > out[j].coarseScore
		}
		return out[i].documentID < out[j].documentID
	})
	return out
}

// refineCandidates re-scores each candidate by searching the query vector
// inside that candidate only and averaging its best chunk scores. Candidates
// whose refinement fails keep their coarse score rather than being dropped.
func (s *SearchService) refineCandidates(ctx context.Context, queryVector []float32, candidates []candidate, opts SearchSettings) []candidate {
	refined := make([]candidate, len(candidates))
	copy(refined, candidates)

	for i := range refined {
		conds := []types.FilterCondition{types.Eq("documentId", refined[i].documentID)}
		hits, err := s.index.Search(ctx, queryVector, conds, opts.Stage1NeighborsPerChunk, 0)
		if err != nil || len(hits) == 0 {
			if err != nil {
				log.Printf("stage1 refinement for %s failed: %v", refined[i].documentID, err)
			}
			continue
		}
		var sum float64
		for _, hit := range hits {
			sum += hit.Score
		}
		refined[i].coarseScore = sum / float64(len(hits))
	}

	sort.Slice(refined, func(i, j int) bool {
		if refined[i].coarseScore != refined[j].coarseScore {
			return refined[i].coarseScore > refined[j].coarseScore
		}
		return refined[i].documentID < refined[j].documentID
	})
	if len(refined) > opts.Stage1TopK {
		refined = refined[:opts.Stage1TopK]
	}
	return refined
}

// scoreCandidates runs the fine-grained stage 2 pass over all candidates on a
// bounded worker pool.
func (s *SearchService) scoreCandidates(ctx context.Context, doc *types.Document, req types.SearchRequest, candidates []candidate, opts SearchSettings) ([]types.SearchResultItem, error) {
	if len(candidates) == 0 {
		return []types.SearchResultItem{}, nil
	}

	sourceChunks, err := s.sourceChunks(ctx, doc, req.Options.SourcePageRange)
	if err != nil {
		return nil, &SearchError{Stage: "stage2", Err: err}
	}
	if len(sourceChunks) == 0 {
		return nil, &SearchError{Stage: "stage2", Err: fmt.Errorf("document %s has no chunks", doc.ID)}
	}

	totalSourceChars := 0
	for _, c := range sourceChunks {
		totalSourceChars += c.CharacterCount
	}

	// Very large source selections make per-chunk scoring too expensive;
	// everything falls back to the coarse score.
	coarseOnly := len(sourceChunks) > opts.Stage2FallbackThreshold
	coarseReason := ""
	if coarseOnly {
		coarseReason = fmt.Sprintf("coarse_fallback: source has %d chunks, threshold is %d", len(sourceChunks), opts.Stage2FallbackThreshold)
	}

	workers := opts.Stage2ParallelWorkers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, &SearchError{Stage: "stage2", Err: err}
	}
	defer pool.Release()

	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make([]types.SearchResultItem, 0, len(candidates))

	for _, cand := range candidates {
		cand := cand
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			item := s.scoreCandidate(ctx, doc, cand, sourceChunks, totalSourceChars, coarseOnly, coarseReason, opts)
			if item == nil {
				return
			}
			mu.Lock()
			results = append(results, *item)
			mu.Unlock()
		}); err != nil {
			wg.Done()
			log.Printf("stage2: failed to submit candidate %s: %v", cand.documentID, err)
		}
	}
	wg.Wait()

	return results, nil
}

func (s *SearchService) sourceChunks(ctx context.Context, doc *types.Document, pageRange *types.PageRange) ([]*types.Chunk, error) {
	if pageRange != nil && !pageRange.UseEntireDocument {
		return s.chunks.ListByDocumentPages(ctx, doc.ID, pageRange.StartPage, pageRange.EndPage)
	}
	return s.chunks.ListByDocument(ctx, doc.ID)
}

// scoreCandidate produces the full result item for one candidate. Any failure
// along the way degrades to the coarse score instead of failing the query.
func (s *SearchService) scoreCandidate(
	ctx context.Context,
	source *types.Document,
	cand candidate,
	sourceChunks []*types.Chunk,
	totalSourceChars int,
	coarseOnly bool,
	coarseReason string,
	opts SearchSettings,
) *types.SearchResultItem {
	target, err := s.documents.GetDocument(ctx, cand.documentID)
	if err != nil {
		log.Printf("stage2: candidate %s dropped: %v", cand.documentID, err)
		return nil
	}

	if coarseOnly {
		return coarseItem(target, cand, totalSourceChars, coarseReason)
	}

	item, err := s.fineScore(ctx, source, target, cand, sourceChunks, totalSourceChars, opts)
	if err != nil {
		log.Printf("stage2: fine scoring of %s failed, degrading to coarse: %v", cand.documentID, err)
		return coarseItem(target, cand, totalSourceChars, fmt.Sprintf("coarse_fallback: %v", err))
	}
	return item
}

func coarseItem(target *types.Document, cand candidate, totalSourceChars int, reason string) *types.SearchResultItem {
	return &types.SearchResultItem{
		Document: target,
		Scores: types.ScoreBundle{
			SourceScore: cand.coarseScore,
			TargetScore: cand.coarseScore,
			LengthRatio: lengthRatio(totalSourceChars, target.TotalCharacters),
			Explanation: reason,
		},
		Sections: []types.Section{},
	}
}

// matchedTarget tracks the best score seen for one target chunk.
type matchedTarget struct {
	score     float64
	startPage int
	endPage   int
	chars     int
}

// fineScore walks every source chunk, finds its best match inside the
// candidate, and derives the bidirectional character-weighted scores plus the
// contiguous sections of the target that matched.
func (s *SearchService) fineScore(
	ctx context.Context,
	source *types.Document,
	target *types.Document,
	cand candidate,
	sourceChunks []*types.Chunk,
	totalSourceChars int,
	opts SearchSettings,
) (*types.SearchResultItem, error) {
	conds := []types.FilterCondition{types.Eq("documentId", target.ID)}

	var weightedSource float64
	matchedSourceChars := 0
	targets := make(map[int]matchedTarget)

	for _, chunk := range sourceChunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vector, err := s.index.FetchChunkVector(ctx, source.ID, chunk.Index)
		if err != nil {
			return nil, fmt.Errorf("fetch vector of chunk %d: %w", chunk.Index, err)
		}
		hits, err := s.index.Search(ctx, vector, conds, 1, s.settings.MinScore)
		if err != nil {
			return nil, fmt.Errorf("match chunk %d: %w", chunk.Index, err)
		}
		if len(hits) == 0 {
			continue
		}
		hit := hits[0]

		weightedSource += hit.Score * float64(chunk.CharacterCount)
		matchedSourceChars += chunk.CharacterCount

		if prev, ok := targets[hit.ChunkIndex]; !ok || hit.Score > prev.score {
			targets[hit.ChunkIndex] = matchedTarget{
				score:     hit.Score,
				startPage: hit.StartPage,
				endPage:   hit.EndPage,
				chars:     hit.CharacterCount,
			}
		}
	}

	sourceScore := 0.0
	if totalSourceChars > 0 {
		sourceScore = weightedSource / float64(totalSourceChars)
	}

	var weightedTarget float64
	matchedTargetChars := 0
	for _, t := range targets {
		weightedTarget += t.score * float64(t.chars)
		matchedTargetChars += t.chars
	}
	targetTotal := target.TotalCharacters
	if targetTotal <= 0 {
		targetTotal = matchedTargetChars
	}
	targetScore := 0.0
	if targetTotal > 0 {
		targetScore = weightedTarget / float64(targetTotal)
	}

	return &types.SearchResultItem{
		Document: target,
		Scores: types.ScoreBundle{
			SourceScore:             sourceScore,
			TargetScore:             targetScore,
			MatchedSourceCharacters: matchedSourceChars,
			MatchedTargetCharacters: matchedTargetChars,
			LengthRatio:             lengthRatio(totalSourceChars, targetTotal),
		},
		MatchedChunkCount: len(targets),
		Sections:          buildSections(targets, s.settings.SectionReuseThreshold),
	}, nil
}

// lengthRatio is the source-to-target size relation as a percentage.
func lengthRatio(sourceChars, targetChars int) float64 {
	if targetChars <= 0 {
		return 0
	}
	return float64(sourceChars) / float64(targetChars) * 100
}

// buildSections merges the matched target chunks into contiguous page ranges
// (gaps of at most one page bridge) and scores each range by its average.
func buildSections(targets map[int]matchedTarget, reuseThreshold float64) []types.Section {
	if len(targets) == 0 {
		return []types.Section{}
	}

	matched := make([]matchedTarget, 0, len(targets))
	for _, t := range targets {
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].startPage != matched[j].startPage {
			return matched[i].startPage < matched[j].startPage
		}
		return matched[i].endPage < matched[j].endPage
	})

	var sections []types.Section
	current := types.Section{
		StartPage:    matched[0].startPage,
		EndPage:      matched[0].endPage,
		AverageScore: matched[0].score,
		ChunkCount:   1,
	}
	scoreSum := matched[0].score

	flush := func() {
		current.AverageScore = scoreSum / float64(current.ChunkCount)
		current.Reusable = current.AverageScore >= reuseThreshold
		sections = append(sections, current)
	}

	for _, t := range matched[1:] {
		if t.startPage <= current.EndPage+1 {
			if t.endPage > current.EndPage {
				current.EndPage = t.endPage
			}
			scoreSum += t.score
			current.ChunkCount++
			continue
		}
		flush()
		current = types.Section{
			StartPage:  t.startPage,
			EndPage:    t.endPage,
			ChunkCount: 1,
		}
		scoreSum = t.score
	}
	flush()
	return sections
}

// sortResults orders by source score, then target score, then document id so
// equal-scoring results are stable across runs.
func sortResults(results []types.SearchResultItem) {
	sort.Slice(results, func(i, j int) bool {
		si, sj := results[i].Scores, results[j].Scores
		if si.SourceScore != sj.SourceScore {
			return si.SourceScore > sj.SourceScore
		}
		if si.TargetScore != sj.TargetScore {
			return si.TargetScore > sj.TargetScore
		}
		return results[i].Document.ID < results[j].Document.ID
	})
}
