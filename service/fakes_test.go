package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/docverse/docsim-be/database"
	"github.com/docverse/docsim-be/repository"
	"github.com/docverse/docsim-be/types"
)

// recorder collects ordered events across fakes so tests can assert on
// cleanup ordering.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type fakeDocumentRepo struct {
	mu   sync.Mutex
	docs map[string]*types.Document
	rec  *recorder

	onSetCentroid func()
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{docs: make(map[string]*types.Document), rec: &recorder{}}
}

func (r *fakeDocumentRepo) CreateDocument(ctx context.Context, doc *types.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
	return nil
}

func (r *fakeDocumentRepo) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, repository.ErrDocumentNotFound
	}
	copied := *doc
	return &copied, nil
}

func (r *fakeDocumentRepo) GetOwnedDocument(ctx context.Context, id, owner string) (*types.Document, error) {
	doc, err := r.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Owner != owner {
		return nil, repository.ErrDocumentNotFound
	}
	return doc, nil
}

func (r *fakeDocumentRepo) GetStatus(ctx context.Context, id string) (types.DocumentStatus, error) {
	doc, err := r.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	return doc.Status, nil
}

func (r *fakeDocumentRepo) ListDocuments(ctx context.Context, owner string, status []types.DocumentStatus, limit, offset int) ([]*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Document
	for _, doc := range r.docs {
		if owner == "" || doc.Owner == owner {
			copied := *doc
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeDocumentRepo) UpdateStatus(ctx context.Context, id string, status types.DocumentStatus, phase types.ProcessingPhase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return repository.ErrDocumentNotFound
	}
	if status != types.StatusCancelled && doc.Status == types.StatusCancelled {
		return repository.ErrDocumentNotFound
	}
	doc.Status = status
	if phase != "" {
		doc.Phase = phase
	}
	return nil
}

func (r *fakeDocumentRepo) SetPageCount(ctx context.Context, id string, pages int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return repository.ErrDocumentNotFound
	}
	doc.PageCount = pages
	return nil
}

func (r *fakeDocumentRepo) SetProcessingError(ctx context.Context, id string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok || doc.Status == types.StatusCancelled {
		return repository.ErrDocumentNotFound
	}
	doc.Status = types.StatusError
	doc.ProcessingError = message
	return nil
}

func (r *fakeDocumentRepo) SetEmbeddingsSkipped(ctx context.Context, id string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return repository.ErrDocumentNotFound
	}
	doc.EmbeddingsSkipped = true
	doc.EmbeddingsError = message
	return nil
}

func (r *fakeDocumentRepo) SetCentroid(ctx context.Context, id string, centroid []float32, effectiveChunks, totalCharacters int) error {
	if r.onSetCentroid != nil {
		r.onSetCentroid()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return repository.ErrDocumentNotFound
	}
	doc.Centroid = centroid
	doc.EffectiveChunkCount = effectiveChunks
	doc.TotalCharacters = totalCharacters
	return nil
}

func (r *fakeDocumentRepo) DeleteDocument(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	r.rec.add("rows:" + id)
	return nil
}

type fakeChunkRepo struct {
	mu   sync.Mutex
	rows map[string][]*types.Chunk
}

func newFakeChunkRepo() *fakeChunkRepo {
	return &fakeChunkRepo{rows: make(map[string][]*types.Chunk)}
}

func (r *fakeChunkRepo) InsertChunks(ctx context.Context, chunks []*types.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		r.rows[c.DocumentID] = append(r.rows[c.DocumentID], c)
	}
	return nil
}

func (r *fakeChunkRepo) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.rows[chunk.DocumentID]
	for i, c := range rows {
		if c.Index == chunk.Index {
			rows[i] = chunk
			return nil
		}
	}
	r.rows[chunk.DocumentID] = append(rows, chunk)
	return nil
}

func (r *fakeChunkRepo) ListByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Chunk(nil), r.rows[documentID]...), nil
}

func (r *fakeChunkRepo) ListByDocumentPages(ctx context.Context, documentID string, startPage, endPage int) ([]*types.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Chunk
	for _, c := range r.rows[documentID] {
		if c.StartPage <= endPage && c.EndPage >= startPage {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeChunkRepo) CountByDocument(ctx context.Context, documentID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.rows[documentID])), nil
}

func (r *fakeChunkRepo) DeleteByDocument(ctx context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, documentID)
	return nil
}

type fakeVectorIndex struct {
	mu     sync.Mutex
	points map[string]map[int]database.ChunkPoint
	rec    *recorder

	searchFn      func(vector []float32, conds []types.FilterCondition, limit int, minScore float64) ([]database.ScoredChunk, error)
	searchCalls   int
	upsertErr     error
	chunkVectorFn func(documentID string, chunkIndex int) ([]float32, error)
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{
		points: make(map[string]map[int]database.ChunkPoint),
		rec:    &recorder{},
	}
}

func (f *fakeVectorIndex) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeVectorIndex) UpsertChunk(ctx context.Context, point database.ChunkPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if f.points[point.DocumentID] == nil {
		f.points[point.DocumentID] = make(map[int]database.ChunkPoint)
	}
	f.points[point.DocumentID][point.ChunkIndex] = point
	return nil
}

func (f *fakeVectorIndex) BatchUpsert(ctx context.Context, points []database.ChunkPoint) error {
	for _, p := range points {
		if err := f.UpsertChunk(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeVectorIndex) Search(ctx context.Context, vector []float32, conds []types.FilterCondition, limit int, minScore float64) ([]database.ScoredChunk, error) {
	f.mu.Lock()
	fn := f.searchFn
	f.searchCalls++
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(vector, conds, limit, minScore)
}

func (f *fakeVectorIndex) DeleteDocument(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.points, documentID)
	f.rec.add("vectors:" + documentID)
	return nil
}

func (f *fakeVectorIndex) UpdateDocumentPayload(ctx context.Context, documentID string, payload map[string]interface{}) error {
	return nil
}

func (f *fakeVectorIndex) FetchChunkVector(ctx context.Context, documentID string, chunkIndex int) ([]float32, error) {
	if f.chunkVectorFn != nil {
		return f.chunkVectorFn(documentID, chunkIndex)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if point, ok := f.points[documentID][chunkIndex]; ok {
		return point.Vector, nil
	}
	return nil, fmt.Errorf("chunk %d of %s not found", chunkIndex, documentID)
}

func (f *fakeVectorIndex) FetchRangeCentroid(ctx context.Context, documentID string, startPage, endPage int) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f *fakeVectorIndex) CountDocumentChunks(ctx context.Context, documentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points[documentID]), nil
}

type fakeExtractor struct {
	pages    []types.ExtractedPage
	syncErr  error
	pagesErr error
	onSync   func()
}

func (f *fakeExtractor) PageCount(ctx context.Context, filePath string) (int, error) {
	if len(f.pages) == 0 {
		return 0, fmt.Errorf("no pages")
	}
	return f.pages[len(f.pages)-1].Number, nil
}

func (f *fakeExtractor) ExtractSync(ctx context.Context, filePath string) (*types.ExtractedDocument, error) {
	if f.onSync != nil {
		f.onSync()
	}
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &types.ExtractedDocument{Pages: f.pages}, nil
}

func (f *fakeExtractor) ExtractPages(ctx context.Context, filePath string, fromPage, toPage int) ([]types.ExtractedPage, error) {
	if f.pagesErr != nil {
		return nil, f.pagesErr
	}
	var out []types.ExtractedPage
	for _, p := range f.pages {
		if p.Number >= fromPage && p.Number <= toPage {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeEmbedder struct {
	fn        func(ctx context.Context, text string) ([]float32, error)
	dimension int
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if f.fn != nil {
		return f.fn(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) Dimension() int {
	if f.dimension > 0 {
		return f.dimension
	}
	return 3
}
