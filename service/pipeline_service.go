package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/docverse/docsim-be/database"
	"github.com/docverse/docsim-be/repository"
	"github.com/docverse/docsim-be/resilience"
	"github.com/docverse/docsim-be/types"
)

// ErrProcessingCancelled is returned from inside the pipeline when a
// cancellation is observed, either through the context or through the
// document's stored status.
var ErrProcessingCancelled = errors.New("processing cancelled")

// PipelineConfig carries the batching and retry knobs of the pipeline that
// are not tier-dependent.
type PipelineConfig struct {
	ExtractionPageBatch int
	MaxConcurrentChunks int
	IntraBatchAttempts  int
	IntraBatchBaseDelay time.Duration
	DocumentRetrier     resilience.DocumentRetrier
}

// PipelineService drives a document from uploaded file to indexed vectors
// plus a stored centroid: extract, chunk, embed, index, aggregate.
type PipelineService struct {
	documents repository.DocumentRepo
	chunks    repository.ChunkRepo
	index     database.VectorIndex
	extractor Extractor
	chunker   *ChunkService
	embedder  Embedder
	sizer     *SizeStrategy
	res       *resilience.Service
	notifier  Notifier
	cfg       PipelineConfig
}

func NewPipelineService(
	documents repository.DocumentRepo,
	chunks repository.ChunkRepo,
	index database.VectorIndex,
	extractor Extractor,
	chunker *ChunkService,
	embedder Embedder,
	sizer *SizeStrategy,
	res *resilience.Service,
	notifier Notifier,
	cfg PipelineConfig,
) *PipelineService {
	if cfg.ExtractionPageBatch <= 0 {
		cfg.ExtractionPageBatch = 20
	}
	if cfg.MaxConcurrentChunks <= 0 {
		cfg.MaxConcurrentChunks = 8
	}
	if cfg.IntraBatchAttempts <= 0 {
		cfg.IntraBatchAttempts = 3
	}
	if cfg.DocumentRetrier.MaxAttempts < 1 {
		// An unconfigured retrier must still attempt every batch once, never
		// skip the embedding phase outright.
		cfg.DocumentRetrier.MaxAttempts = 1
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	// Cancellation must stop the document-level retrier right away instead
	// of draining its budget.
	inner := cfg.DocumentRetrier.IsRetryable
	cfg.DocumentRetrier.IsRetryable = func(err error) bool {
		if errors.Is(err, ErrProcessingCancelled) {
			return false
		}
		return inner == nil || inner(err)
	}
	return &PipelineService{
		documents: documents,
		chunks:    chunks,
		index:     index,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		sizer:     sizer,
		res:       res,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// checkpoint is called between pipeline steps. Cancellation arrives two ways:
// the context, and the stored document status (set by the cancel endpoint). A
// deleted document row counts as an implicit cancellation.
func (s *PipelineService) checkpoint(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return ErrProcessingCancelled
	}
	status, err := s.documents.GetStatus(ctx, documentID)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		return ErrProcessingCancelled
	}
	if err != nil {
		// A transient status read failure must not kill the run.
		log.Printf("checkpoint: status read failed for %s: %v", documentID, err)
		return nil
	}
	if status == types.StatusCancelled {
		return ErrProcessingCancelled
	}
	return nil
}

// setPhase checkpoints and advances the stored status. A refused update
// (row gone, or cancelled in the window after the checkpoint) reads as a
// cancellation.
func (s *PipelineService) setPhase(ctx context.Context, documentID string, status types.DocumentStatus, phase types.ProcessingPhase) error {
	if err := s.checkpoint(ctx, documentID); err != nil {
		return err
	}
	err := s.documents.UpdateStatus(ctx, documentID, status, phase)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		return ErrProcessingCancelled
	}
	return err
}

func (s *PipelineService) notify(doc *types.Document, phase types.ProcessingPhase, message string, progress float64) {
	s.notifier.Broadcast(types.ProcessingStatus{
		DocumentID: doc.ID,
		Status:     string(types.StatusProcessing),
		Phase:      string(phase),
		Message:    message,
		Progress:   progress,
		TotalPages: doc.PageCount,
	})
}

// ProcessDocument runs the whole pipeline for one document. It is designed to
// be launched in a goroutine right after upload; errors are recorded on the
// document row as well as returned.
func (s *PipelineService) ProcessDocument(ctx context.Context, documentID string) error {
	doc, err := s.documents.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	profile := s.sizer.Profile(doc.FileSize, doc.FileName, doc.ContentType)
	log.Printf("processing %s: tier=%s estimated_pages=%d strategy=%s",
		doc.ID, profile.Tier, profile.EstimatedPages, profile.Strategy)

	err = s.run(ctx, doc, profile)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProcessingCancelled):
		s.cleanupCancelled(doc)
		return ErrProcessingCancelled
	default:
		log.Printf("processing %s failed: %v", doc.ID, err)
		// Partial vectors are useless without a completed document; drop them
		// before recording the failure.
		if derr := s.index.DeleteDocument(context.Background(), doc.ID); derr != nil {
			log.Printf("cleanup of partial vectors for %s failed: %v", doc.ID, derr)
		}
		if serr := s.documents.SetProcessingError(context.Background(), doc.ID, err.Error()); serr != nil {
			if errors.Is(serr, repository.ErrDocumentNotFound) {
				// The row was cancelled or deleted while the run was failing.
				s.cleanupCancelled(doc)
				return ErrProcessingCancelled
			}
			log.Printf("failed to record processing error for %s: %v", doc.ID, serr)
		}
		s.notifier.Broadcast(types.ProcessingStatus{
			DocumentID: doc.ID,
			Status:     string(types.StatusError),
			Message:    err.Error(),
		})
		return err
	}
}

func (s *PipelineService) run(ctx context.Context, doc *types.Document, profile types.SizeProfile) error {
	// Extraction.
	if err := s.setPhase(ctx, doc.ID, types.StatusProcessing, types.PhaseInit); err != nil {
		return err
	}
	if err := s.setPhase(ctx, doc.ID, types.StatusProcessing, types.PhaseExtracting); err != nil {
		return err
	}
	s.notify(doc, types.PhaseExtracting, "extracting text", 0.05)

	pages, pageCount, err := s.extract(ctx, doc, profile)
	if err != nil {
		return err
	}
	doc.PageCount = pageCount
	if err := s.documents.SetPageCount(ctx, doc.ID, pageCount); err != nil {
		return err
	}
	if err := s.setPhase(ctx, doc.ID, types.StatusProcessing, types.PhaseExtracted); err != nil {
		return err
	}
	s.notify(doc, types.PhaseExtracted, "text extracted", 0.3)

	// Chunking. Rows from an earlier failed run are purged first so indices
	// stay dense.
	chunks := s.chunker.ChunkDocument(doc.ID, pages)
	if len(chunks) == 0 {
		return ErrNoDocument
	}
	if err := s.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("failed to purge previous chunks: %w", err)
	}
	log.Printf("processing %s: %d pages, %d chunks", doc.ID, pageCount, len(chunks))

	// Embedding and indexing.
	if err := s.setPhase(ctx, doc.ID, types.StatusProcessing, types.PhaseEmbedding); err != nil {
		return err
	}
	s.notify(doc, types.PhaseEmbedding, "embedding chunks", 0.35)

	vectors, err := s.embedAndIndex(ctx, doc, chunks, profile)
	if errors.Is(err, errEmbeddingExhausted) {
		// Recoverable terminal state: the document completes without vectors
		// and can be re-embedded later.
		if derr := s.index.DeleteDocument(context.Background(), doc.ID); derr != nil {
			log.Printf("cleanup of partial vectors for %s failed: %v", doc.ID, derr)
		}
		if serr := s.documents.SetEmbeddingsSkipped(ctx, doc.ID, err.Error()); serr != nil {
			return serr
		}
		return s.finish(ctx, doc, types.PhaseExtracted)
	}
	if err != nil {
		return err
	}
	if err := s.setPhase(ctx, doc.ID, types.StatusProcessing, types.PhaseIndexed); err != nil {
		return err
	}
	s.notify(doc, types.PhaseIndexed, "chunks indexed", 0.9)

	// Centroid. A malformed vector set is logged, not fatal: the document is
	// still searchable chunk by chunk.
	if err := s.checkpoint(ctx, doc.ID); err != nil {
		return err
	}
	result, cerr := ComputeCentroid(vectors)
	if cerr != nil {
		log.Printf("centroid for %s skipped: %v", doc.ID, cerr)
		return s.finish(ctx, doc, types.PhaseIndexed)
	}
	if err := s.documents.SetCentroid(ctx, doc.ID, result.Vector, result.EffectiveChunkCount, result.TotalCharacters); err != nil {
		return err
	}
	return s.finish(ctx, doc, types.PhaseCentroidComputed)
}

func (s *PipelineService) finish(ctx context.Context, doc *types.Document, phase types.ProcessingPhase) error {
	err := s.documents.UpdateStatus(ctx, doc.ID, types.StatusCompleted, phase)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		// Cancelled (or deleted) in the window after the last checkpoint; the
		// completion write loses the race.
		return ErrProcessingCancelled
	}
	if err != nil {
		return err
	}
	s.notifier.Broadcast(types.ProcessingStatus{
		DocumentID: doc.ID,
		Status:     string(types.StatusCompleted),
		Phase:      string(phase),
		Progress:   1,
		TotalPages: doc.PageCount,
	})
	log.Printf("processing %s completed (phase %s)", doc.ID, phase)
	return nil
}

// extract runs the extraction strategy: one synchronous call for small
// documents, falling back to page-range batches when the document exceeds
// the sync limit.
func (s *PipelineService) extract(ctx context.Context, doc *types.Document, profile types.SizeProfile) ([]types.ExtractedPage, int, error) {
	if profile.Strategy == types.ExtractSync {
		var extracted *types.ExtractedDocument
		var refused *PageLimitError
		err := s.res.ExtractionBreaker.Execute(ctx, func(ctx context.Context) error {
			_, execErr := resilience.Execute(ctx, s.res.ExtractionPolicy, func(ctx context.Context) error {
				var opErr error
				extracted, opErr = s.extractor.ExtractSync(ctx, doc.FilePath)
				return opErr
			})
			// The extractor answered; a page-limit refusal says nothing about
			// its health and must not count toward the breaker.
			if errors.As(execErr, &refused) {
				return nil
			}
			return execErr
		})
		if err != nil {
			return nil, 0, err
		}
		if refused == nil {
			pageCount := len(extracted.Pages)
			if last := len(extracted.Pages); last > 0 {
				pageCount = extracted.Pages[last-1].Number
			}
			return extracted.Pages, pageCount, nil
		}
		log.Printf("processing %s: sync extraction refused (%v), falling back to page batches", doc.ID, refused)
	}
	return s.extractChunked(ctx, doc, profile)
}

func (s *PipelineService) extractChunked(ctx context.Context, doc *types.Document, profile types.SizeProfile) ([]types.ExtractedPage, int, error) {
	totalPages, err := s.extractor.PageCount(ctx, doc.FilePath)
	if err != nil {
		return nil, 0, err
	}

	var pages []types.ExtractedPage
	for from := 1; from <= totalPages; from += s.cfg.ExtractionPageBatch {
		if err := s.checkpoint(ctx, doc.ID); err != nil {
			return nil, 0, err
		}
		to := from + s.cfg.ExtractionPageBatch - 1
		if to > totalPages {
			to = totalPages
		}

		var batch []types.ExtractedPage
		err := s.res.ExtractionBreaker.Execute(ctx, func(ctx context.Context) error {
			_, execErr := resilience.Execute(ctx, s.res.ExtractionPolicy, func(ctx context.Context) error {
				var opErr error
				batch, opErr = s.extractor.ExtractPages(ctx, doc.FilePath, from, to)
				return opErr
			})
			return execErr
		})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to extract pages %d-%d: %w", from, to, err)
		}
		pages = append(pages, batch...)

		s.notifier.Broadcast(types.ProcessingStatus{
			DocumentID:     doc.ID,
			Status:         string(types.StatusProcessing),
			Phase:          string(types.PhaseExtracting),
			Progress:       0.05 + 0.25*float64(to)/float64(totalPages),
			TotalPages:     totalPages,
			ProcessedPages: to,
		})
		if profile.Config.InterBatchDelay > 0 && to < totalPages {
			time.Sleep(profile.Config.InterBatchDelay)
		}
	}
	return pages, totalPages, nil
}

// errEmbeddingExhausted marks the document-level retry budget running out.
var errEmbeddingExhausted = errors.New("embedding retry budget exhausted")

// embedAndIndex embeds and indexes all chunks in tier-sized batches on a
// bounded worker pool. Chunks that fail inside a batch are retried as a
// shrinking subset; if a batch still cannot complete, the document retrier
// takes over and keeps retrying the remaining work under its own (large but
// finite) budget.
func (s *PipelineService) embedAndIndex(ctx context.Context, doc *types.Document, chunks []*types.Chunk, profile types.SizeProfile) ([]ChunkVector, error) {
	concurrency := profile.Config.MaxConcurrency
	if concurrency > s.cfg.MaxConcurrentChunks {
		concurrency = s.cfg.MaxConcurrentChunks
	}
	if concurrency < 1 {
		concurrency = 1
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var mu sync.Mutex
	vectors := make([]ChunkVector, 0, len(chunks))
	done := make(map[int]bool, len(chunks))

	processBatch := func(ctx context.Context, batch []*types.Chunk) error {
		remaining := batch
		for attempt := 1; ; attempt++ {
			failed, err := s.runBatch(ctx, doc, remaining, pool, &mu, done, &vectors)
			if len(failed) == 0 {
				return err
			}
			if err != nil && errors.Is(err, ErrProcessingCancelled) {
				return err
			}
			if attempt >= s.cfg.IntraBatchAttempts {
				return fmt.Errorf("batch still failing after %d attempts: %w", attempt, err)
			}
			delay := s.cfg.IntraBatchBaseDelay * time.Duration(attempt)
			log.Printf("processing %s: retrying %d failed chunks in %s", doc.ID, len(failed), delay)
			select {
			case <-ctx.Done():
				return ErrProcessingCancelled
			case <-time.After(delay):
			}
			remaining = failed
		}
	}

	batchSize := profile.Config.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	for begin := 0; begin < len(chunks); begin += batchSize {
		end := begin + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := s.checkpoint(ctx, doc.ID); err != nil {
			return nil, err
		}

		batch := chunks[begin:end]
		_, err := s.cfg.DocumentRetrier.Run(ctx, func(ctx context.Context) error {
			if cerr := s.checkpoint(ctx, doc.ID); cerr != nil {
				return cerr
			}
			err := processBatch(ctx, batch)
			if errors.Is(err, ErrProcessingCancelled) {
				return err
			}
			return err
		})
		if errors.Is(err, ErrProcessingCancelled) || errors.Is(err, context.Canceled) {
			return nil, ErrProcessingCancelled
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errEmbeddingExhausted, err)
		}

		s.notify(doc, types.PhaseEmbedding,
			fmt.Sprintf("embedded %d/%d chunks", end, len(chunks)),
			0.35+0.55*float64(end)/float64(len(chunks)))

		if profile.Config.InterBatchDelay > 0 && end < len(chunks) {
			time.Sleep(profile.Config.InterBatchDelay)
		}
		if profile.Config.HintGC {
			runtime.GC()
		}
	}
	return vectors, nil
}

// runBatch pushes one batch through the pool and returns the chunks that
// failed, so the caller can retry just those.
func (s *PipelineService) runBatch(
	ctx context.Context,
	doc *types.Document,
	batch []*types.Chunk,
	pool *ants.Pool,
	mu *sync.Mutex,
	done map[int]bool,
	vectors *[]ChunkVector,
) ([]*types.Chunk, error) {
	var wg sync.WaitGroup
	var failed []*types.Chunk
	var firstErr error

	for _, chunk := range batch {
		mu.Lock()
		alreadyDone := done[chunk.Index]
		mu.Unlock()
		if alreadyDone {
			continue
		}

		chunk := chunk
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := s.processChunk(ctx, doc, chunk, mu, done, vectors); err != nil {
				mu.Lock()
				failed = append(failed, chunk)
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			mu.Lock()
			failed = append(failed, chunk)
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	}
	wg.Wait()

	if firstErr != nil && errors.Is(firstErr, ErrProcessingCancelled) {
		return failed, ErrProcessingCancelled
	}
	return failed, firstErr
}

// processChunk embeds one chunk, persists its row, and upserts its vector.
func (s *PipelineService) processChunk(
	ctx context.Context,
	doc *types.Document,
	chunk *types.Chunk,
	mu *sync.Mutex,
	done map[int]bool,
	vectors *[]ChunkVector,
) error {
	var vector []float32
	err := s.res.EmbeddingsBreaker.Execute(ctx, func(ctx context.Context) error {
		_, execErr := resilience.Execute(ctx, s.res.EmbeddingsPolicy, func(ctx context.Context) error {
			var opErr error
			vector, opErr = s.embedder.EmbedText(ctx, chunk.Text)
			return opErr
		})
		return execErr
	})
	if err != nil {
		return fmt.Errorf("embed chunk %d: %w", chunk.Index, err)
	}

	if cerr := s.checkpoint(ctx, doc.ID); cerr != nil {
		return cerr
	}

	_, err = resilience.Execute(ctx, s.res.StorePolicy, func(ctx context.Context) error {
		return s.chunks.UpsertChunk(ctx, chunk)
	})
	if err != nil {
		return fmt.Errorf("store chunk %d: %w", chunk.Index, err)
	}

	point := database.ChunkPoint{
		DocumentID:     doc.ID,
		ChunkIndex:     chunk.Index,
		Vector:         vector,
		Text:           chunk.Text,
		StartPage:      chunk.StartPage,
		EndPage:        chunk.EndPage,
		CharacterCount: chunk.CharacterCount,
		FileName:       doc.FileName,
		Title:          doc.Title,
		Owner:          doc.Owner,
		Tags:           doc.Tags,
	}
	err = s.res.IndexBreaker.Execute(ctx, func(ctx context.Context) error {
		_, execErr := resilience.Execute(ctx, s.res.IndexPolicy, func(ctx context.Context) error {
			return s.index.UpsertChunk(ctx, point)
		})
		return execErr
	})
	if err != nil {
		return fmt.Errorf("index chunk %d: %w", chunk.Index, err)
	}

	mu.Lock()
	if !done[chunk.Index] {
		done[chunk.Index] = true
		*vectors = append(*vectors, ChunkVector{
			Index:          chunk.Index,
			Vector:         vector,
			CharacterCount: chunk.CharacterCount,
		})
	}
	mu.Unlock()
	return nil
}

// cleanupCancelled removes everything a cancelled run produced: vectors
// first, then relational rows, then the file. Each step is idempotent so a
// second cancel (or a crash between steps) converges to the same end state.
func (s *PipelineService) cleanupCancelled(doc *types.Document) {
	ctx := context.Background()
	log.Printf("processing %s cancelled, cleaning up", doc.ID)

	if err := s.index.DeleteDocument(ctx, doc.ID); err != nil {
		log.Printf("cancel cleanup: failed to delete vectors for %s: %v", doc.ID, err)
	}
	if err := s.documents.DeleteDocument(ctx, doc.ID); err != nil {
		log.Printf("cancel cleanup: failed to delete rows for %s: %v", doc.ID, err)
	}
	if doc.FilePath != "" {
		if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
			log.Printf("cancel cleanup: failed to remove file %s: %v", doc.FilePath, err)
		}
	}
	s.notifier.Broadcast(types.ProcessingStatus{
		DocumentID: doc.ID,
		Status:     string(types.StatusCancelled),
		Message:    "processing cancelled",
	})
}

// DeleteDocument removes a completed document: vectors, rows, file, in that
// order. Safe to call twice.
func (s *PipelineService) DeleteDocument(ctx context.Context, documentID string) error {
	doc, err := s.documents.GetDocument(ctx, documentID)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		// Rows already gone; vectors may remain from an interrupted delete.
		return s.index.DeleteDocument(ctx, documentID)
	}
	if err != nil {
		return err
	}
	if err := s.index.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.documents.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if doc.FilePath != "" {
		if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
			log.Printf("failed to remove file %s: %v", doc.FilePath, err)
		}
	}
	return nil
}
