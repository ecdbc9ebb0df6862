package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docverse/docsim-be/repository"
	"github.com/docverse/docsim-be/resilience"
	"github.com/docverse/docsim-be/types"
)

func newTestResilience() *resilience.Service {
	return newTestResilienceBreaker(100, time.Millisecond)
}

func newTestResilienceBreaker(maxFailures int, cooldown time.Duration) *resilience.Service {
	ps := resilience.PolicySettings{
		MaxAttempts:   2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2.0,
	}
	isRetryable := func(err error) bool {
		if IsPageLimitError(err) {
			return false
		}
		return IsRetryableEmbeddingError(err)
	}
	return resilience.NewService(resilience.Settings{
		Extraction:         ps,
		Embeddings:         ps,
		Index:              ps,
		Store:              ps,
		BreakerMaxFailures: maxFailures,
		BreakerCooldown:    cooldown,
	}, isRetryable)
}

func newTestPipeline(docs *fakeDocumentRepo, chunks *fakeChunkRepo, idx *fakeVectorIndex, ex Extractor, emb Embedder) *PipelineService {
	return NewPipelineService(
		docs, chunks, idx,
		ex,
		NewChunkService(10, 2000, 8, 2),
		emb,
		NewSizeStrategy(75*1024, 100),
		newTestResilience(),
		nil,
		PipelineConfig{
			ExtractionPageBatch: 2,
			MaxConcurrentChunks: 2,
			IntraBatchAttempts:  2,
			IntraBatchBaseDelay: time.Millisecond,
			DocumentRetrier: resilience.DocumentRetrier{
				MaxAttempts:     2,
				BaseDelay:       time.Millisecond,
				MaxDelay:        2 * time.Millisecond,
				BackoffFactor:   2.0,
				RateLimitFactor: 4.0,
			},
		},
	)
}

func queuedDocument(id string) *types.Document {
	return &types.Document{
		ID:       id,
		Owner:    "alice",
		Title:    "Test Document",
		FileName: "test.pdf",
		FileSize: 10 * 1024,
		Status:   types.StatusQueued,
		Phase:    types.PhaseInit,
	}
}

func twoPages() []types.ExtractedPage {
	return []types.ExtractedPage{
		pageWithParagraphs(1, "This is the first page of the document under test."),
		pageWithParagraphs(2, "And this is the second page with more content on it."),
	}
}

func TestProcessDocumentHappyPath(t *testing.T) {
	docs := newFakeDocumentRepo()
	chunks := newFakeChunkRepo()
	idx := newFakeVectorIndex()
	ctx := context.Background()

	require.NoError(t, docs.CreateDocument(ctx, queuedDocument("doc1")))
	p := newTestPipeline(docs, chunks, idx, &fakeExtractor{pages: twoPages()}, &fakeEmbedder{})

	require.NoError(t, p.ProcessDocument(ctx, "doc1"))

	doc, err := docs.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, doc.Status)
	assert.Equal(t, types.PhaseCentroidComputed, doc.Phase)
	assert.Equal(t, 2, doc.PageCount)
	assert.False(t, doc.EmbeddingsSkipped)
	assert.NotEmpty(t, doc.Centroid)
	assert.Greater(t, doc.EffectiveChunkCount, 0)
	assert.Greater(t, doc.TotalCharacters, 0)

	rows, err := chunks.ListByDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, doc.EffectiveChunkCount, len(rows))
	assert.Equal(t, len(rows), len(idx.points["doc1"]))
}

func TestProcessDocumentEmbeddingExhaustion(t *testing.T) {
	docs := newFakeDocumentRepo()
	chunks := newFakeChunkRepo()
	idx := newFakeVectorIndex()
	ctx := context.Background()

	require.NoError(t, docs.CreateDocument(ctx, queuedDocument("doc1")))
	embedder := &fakeEmbedder{fn: func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("quota exceeded")
	}}
	p := newTestPipeline(docs, chunks, idx, &fakeExtractor{pages: twoPages()}, embedder)

	require.NoError(t, p.ProcessDocument(ctx, "doc1"))

	doc, err := docs.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, doc.Status, "exhaustion is recoverable, not an error")
	assert.True(t, doc.EmbeddingsSkipped)
	assert.NotEmpty(t, doc.EmbeddingsError)
	assert.Empty(t, doc.Centroid)
	assert.Empty(t, idx.points["doc1"], "partial vectors must be cleaned up")
}

func TestProcessDocumentFailureRecordsError(t *testing.T) {
	docs := newFakeDocumentRepo()
	chunks := newFakeChunkRepo()
	idx := newFakeVectorIndex()
	ctx := context.Background()

	require.NoError(t, docs.CreateDocument(ctx, queuedDocument("doc1")))
	ex := &fakeExtractor{pages: nil, syncErr: errors.New("pdfinfo: broken file"), pagesErr: errors.New("pdfinfo: broken file")}
	p := newTestPipeline(docs, chunks, idx, ex, &fakeEmbedder{})

	require.Error(t, p.ProcessDocument(ctx, "doc1"))

	doc, err := docs.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, doc.Status)
	assert.NotEmpty(t, doc.ProcessingError)
}

func TestProcessDocumentCancellationCleansUpInOrder(t *testing.T) {
	docs := newFakeDocumentRepo()
	chunks := newFakeChunkRepo()
	idx := newFakeVectorIndex()
	ctx := context.Background()

	// Both fakes log into one recorder so the cleanup order is observable.
	rec := &recorder{}
	docs.rec = rec
	idx.rec = rec

	filePath := filepath.Join(t.TempDir(), "doc1.pdf")
	require.NoError(t, os.WriteFile(filePath, []byte("%PDF-1.4"), 0o644))

	doc := queuedDocument("doc1")
	doc.FilePath = filePath
	require.NoError(t, docs.CreateDocument(ctx, doc))

	// The cancel endpoint fires while extraction is running.
	ex := &fakeExtractor{pages: twoPages()}
	ex.onSync = func() {
		d, _ := docs.GetDocument(context.Background(), "doc1")
		d.Status = types.StatusCancelled
		docs.docs["doc1"] = d
	}
	p := newTestPipeline(docs, chunks, idx, ex, &fakeEmbedder{})

	err := p.ProcessDocument(ctx, "doc1")
	require.ErrorIs(t, err, ErrProcessingCancelled)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "vectors:doc1", events[0], "vectors go before relational rows")
	assert.Equal(t, "rows:doc1", events[1])

	_, err = docs.GetDocument(ctx, "doc1")
	require.Error(t, err)
	_, err = os.Stat(filePath)
	assert.True(t, os.IsNotExist(err), "uploaded file must be removed last")
}

func TestDeleteDocumentIsIdempotent(t *testing.T) {
	docs := newFakeDocumentRepo()
	chunks := newFakeChunkRepo()
	idx := newFakeVectorIndex()
	ctx := context.Background()

	require.NoError(t, docs.CreateDocument(ctx, queuedDocument("doc1")))
	p := newTestPipeline(docs, chunks, idx, &fakeExtractor{pages: twoPages()}, &fakeEmbedder{})
	require.NoError(t, p.ProcessDocument(ctx, "doc1"))

	require.NoError(t, p.DeleteDocument(ctx, "doc1"))
	assert.Empty(t, idx.points["doc1"])

	// Second delete finds nothing and still succeeds.
	require.NoError(t, p.DeleteDocument(ctx, "doc1"))
}

func TestProcessDocumentZeroConfigStillEmbeds(t *testing.T) {
	docs := newFakeDocumentRepo()
	chunks := newFakeChunkRepo()
	idx := newFakeVectorIndex()
	ctx := context.Background()

	require.NoError(t, docs.CreateDocument(ctx, queuedDocument("doc1")))
	// Every knob left at its zero value; the embedding phase must still run.
	p := NewPipelineService(
		docs, chunks, idx,
		&fakeExtractor{pages: twoPages()},
		NewChunkService(10, 2000, 8, 2),
		&fakeEmbedder{},
		NewSizeStrategy(75*1024, 100),
		newTestResilience(),
		nil,
		PipelineConfig{},
	)

	require.NoError(t, p.ProcessDocument(ctx, "doc1"))

	doc, err := docs.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, doc.Status)
	assert.False(t, doc.EmbeddingsSkipped)
	assert.NotEmpty(t, doc.Centroid)
	assert.NotEmpty(t, idx.points["doc1"], "vectors must be indexed under a zero-value config")
}

func TestProcessDocumentCancelledBeforeFinalStatusWrite(t *testing.T) {
	docs := newFakeDocumentRepo()
	chunks := newFakeChunkRepo()
	idx := newFakeVectorIndex()
	ctx := context.Background()

	rec := &recorder{}
	docs.rec = rec
	idx.rec = rec

	require.NoError(t, docs.CreateDocument(ctx, queuedDocument("doc1")))
	// The cancel endpoint fires after the last checkpoint, while the centroid
	// is being stored. The completion write must lose the race.
	docs.onSetCentroid = func() {
		docs.mu.Lock()
		docs.docs["doc1"].Status = types.StatusCancelled
		docs.mu.Unlock()
	}
	p := newTestPipeline(docs, chunks, idx, &fakeExtractor{pages: twoPages()}, &fakeEmbedder{})

	err := p.ProcessDocument(ctx, "doc1")
	require.ErrorIs(t, err, ErrProcessingCancelled)

	_, err = docs.GetDocument(ctx, "doc1")
	require.ErrorIs(t, err, repository.ErrDocumentNotFound, "a cancelled run must not end completed")
	assert.Empty(t, idx.points["doc1"], "a cancelled run must not leave vectors behind")

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "vectors:doc1", events[0])
	assert.Equal(t, "rows:doc1", events[1])
}

func TestProcessDocumentPageLimitRefusalKeepsBreakerClosed(t *testing.T) {
	docs := newFakeDocumentRepo()
	chunks := newFakeChunkRepo()
	idx := newFakeVectorIndex()
	ctx := context.Background()

	require.NoError(t, docs.CreateDocument(ctx, queuedDocument("doc1")))
	ex := &fakeExtractor{
		pages:   twoPages(),
		syncErr: &PageLimitError{Pages: 2, Limit: 1},
	}
	// One failure trips this breaker, so counting the refusal would block the
	// page-batch fallback right away.
	res := newTestResilienceBreaker(1, time.Minute)
	p := NewPipelineService(
		docs, chunks, idx,
		ex,
		NewChunkService(10, 2000, 8, 2),
		&fakeEmbedder{},
		NewSizeStrategy(75*1024, 100),
		res,
		nil,
		PipelineConfig{ExtractionPageBatch: 2},
	)

	require.NoError(t, p.ProcessDocument(ctx, "doc1"))
	assert.Equal(t, resilience.StateClosed, res.ExtractionBreaker.State())

	doc, err := docs.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, doc.Status)
	assert.Equal(t, 2, doc.PageCount)
}

func TestProcessDocumentChunkedFallback(t *testing.T) {
	docs := newFakeDocumentRepo()
	chunks := newFakeChunkRepo()
	idx := newFakeVectorIndex()
	ctx := context.Background()

	require.NoError(t, docs.CreateDocument(ctx, queuedDocument("doc1")))
	// Sync extraction refuses with a page limit; the pipeline must fall back
	// to page-range extraction and still complete.
	ex := &fakeExtractor{
		pages:   twoPages(),
		syncErr: &PageLimitError{Pages: 2, Limit: 1},
	}
	p := newTestPipeline(docs, chunks, idx, ex, &fakeEmbedder{})

	require.NoError(t, p.ProcessDocument(ctx, "doc1"))

	doc, err := docs.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, doc.Status)
	assert.Equal(t, 2, doc.PageCount)
	assert.NotEmpty(t, idx.points["doc1"])
}
