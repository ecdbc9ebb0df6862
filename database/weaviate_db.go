package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/docverse/docsim-be/types"
	"github.com/docverse/docsim-be/utils"
)

// One call deletes at most this many matching vectors; DeleteDocument loops
// until the index reports zero matches.
const deleteBatchSize = 1000

const payloadPageSize = 1000

type WeaviateIndexConfig struct {
	Host      string
	APIKey    string
	ClassName string
	Dimension int
}

// WeaviateIndex implements VectorIndex on top of a Weaviate instance.
// Vectors are supplied by the pipeline, so the class uses no vectorizer.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
	dimension int
}

func NewWeaviateIndex(cfg WeaviateIndexConfig) (*WeaviateIndex, error) {
	var scheme string
	if strings.Contains(cfg.Host, "https") {
		scheme = "https"
	} else {
		scheme = "http"
	}
	host := strings.TrimPrefix(cfg.Host, scheme+"://")
	clientCfg := weaviate.Config{
		Host:   host,
		Scheme: scheme,
	}
	if cfg.APIKey != "" {
		clientCfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	className := cfg.ClassName
	if className == "" {
		className = "DocumentChunk"
	}
	return &WeaviateIndex{
		client:    client,
		className: className,
		dimension: cfg.Dimension,
	}, nil
}

func (w *WeaviateIndex) classObject() *models.Class {
	return &models.Class{
		Class: w.className,
		Properties: []*models.Property{
			{Name: "documentId", DataType: []string{"text"}},
			{Name: "chunkIndex", DataType: []string{"int"}},
			{Name: "content", DataType: []string{"text"}},
			{Name: "startPage", DataType: []string{"int"}},
			{Name: "endPage", DataType: []string{"int"}},
			{Name: "characterCount", DataType: []string{"int"}},
			{Name: "fileName", DataType: []string{"text"}},
			{Name: "title", DataType: []string{"text"}},
			{Name: "owner", DataType: []string{"text"}},
			{Name: "tags", DataType: []string{"text[]"}},
		},
		Vectorizer:      "none",
		VectorIndexType: "hnsw",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
	}
}

func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	schema, err := w.client.Schema().Getter().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema: %w", err)
	}
	for _, class := range schema.Classes {
		if class.Class == w.className {
			return nil
		}
	}
	if err := w.client.Schema().ClassCreator().WithClass(w.classObject()).Do(ctx); err != nil {
		return fmt.Errorf("failed to create %s class: %w", w.className, err)
	}
	return nil
}

// ChunkPointID derives the deterministic object id for a chunk. Weaviate
// supports native string (UUID) ids, so instead of hashing to a lossy 32-bit
// integer we derive a UUIDv5 from the document id and chunk index; retried
// upserts land on the same object.
func ChunkPointID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s_chunk_%d", documentID, chunkIndex))).String()
}

func (w *WeaviateIndex) pointObject(point ChunkPoint) *models.Object {
	return &models.Object{
		Class: w.className,
		ID:    strfmt.UUID(ChunkPointID(point.DocumentID, point.ChunkIndex)),
		Properties: map[string]interface{}{
			"documentId":     point.DocumentID,
			"chunkIndex":     point.ChunkIndex,
			"content":        point.Text,
			"startPage":      point.StartPage,
			"endPage":        point.EndPage,
			"characterCount": point.CharacterCount,
			"fileName":       point.FileName,
			"title":          point.Title,
			"owner":          point.Owner,
			"tags":           point.Tags,
		},
		Vector: models.C11yVector(point.Vector),
	}
}

func (w *WeaviateIndex) UpsertChunk(ctx context.Context, point ChunkPoint) error {
	return w.BatchUpsert(ctx, []ChunkPoint{point})
}

// BatchUpsert writes points through the batch API, which overwrites objects
// with an existing id and therefore gives idempotent upserts.
func (w *WeaviateIndex) BatchUpsert(ctx context.Context, points []ChunkPoint) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if w.dimension > 0 && len(p.Vector) != w.dimension {
			return fmt.Errorf("vector dimension mismatch for %s chunk %d: got %d, want %d",
				p.DocumentID, p.ChunkIndex, len(p.Vector), w.dimension)
		}
		if !utils.IsFinite(p.Vector) {
			return fmt.Errorf("non-finite vector for %s chunk %d", p.DocumentID, p.ChunkIndex)
		}
	}

	batcher := w.client.Batch().ObjectsBatcher()
	for _, p := range points {
		batcher = batcher.WithObjects(w.pointObject(p))
	}
	resp, err := batcher.Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert batch of %d vectors: %w", len(points), err)
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("vector upsert rejected: %s", obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// translateConditions turns the abstract filter conditions into weaviate's
// native where representation, all conditions ANDed together.
func (w *WeaviateIndex) translateConditions(conds []types.FilterCondition) (*filters.WhereBuilder, error) {
	if err := types.ValidateFilters(conds); err != nil {
		return nil, err
	}
	if len(conds) == 0 {
		return nil, nil
	}

	operands := make([]*filters.WhereBuilder, 0, len(conds))
	for _, c := range conds {
		operand, err := w.translateCondition(c)
		if err != nil {
			return nil, err
		}
		operands = append(operands, operand)
	}
	if len(operands) == 1 {
		return operands[0], nil
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands), nil
}

func (w *WeaviateIndex) translateCondition(c types.FilterCondition) (*filters.WhereBuilder, error) {
	switch c.Op {
	case types.FilterEq:
		return valueFilter(c.Field, filters.Equal, c.Value)
	case types.FilterNotEq:
		return valueFilter(c.Field, filters.NotEqual, c.Value)
	case types.FilterIn:
		members := make([]*filters.WhereBuilder, 0, len(c.Values))
		for _, v := range c.Values {
			member, err := valueFilter(c.Field, filters.Equal, v)
			if err != nil {
				return nil, err
			}
			members = append(members, member)
		}
		if len(members) == 1 {
			return members[0], nil
		}
		return filters.Where().WithOperator(filters.Or).WithOperands(members), nil
	case types.FilterRange:
		bounds := make([]*filters.WhereBuilder, 0, 4)
		if c.GTE != nil {
			bounds = append(bounds, numberFilter(c.Field, filters.GreaterThanEqual, *c.GTE))
		}
		if c.LTE != nil {
			bounds = append(bounds, numberFilter(c.Field, filters.LessThanEqual, *c.LTE))
		}
		if c.GT != nil {
			bounds = append(bounds, numberFilter(c.Field, filters.GreaterThan, *c.GT))
		}
		if c.LT != nil {
			bounds = append(bounds, numberFilter(c.Field, filters.LessThan, *c.LT))
		}
		if len(bounds) == 1 {
			return bounds[0], nil
		}
		return filters.Where().WithOperator(filters.And).WithOperands(bounds), nil
	default:
		return nil, fmt.Errorf("unknown filter operator %q", c.Op)
	}
}

func valueFilter(field string, op filters.WhereOperator, value interface{}) (*filters.WhereBuilder, error) {
	b := filters.Where().WithPath([]string{field}).WithOperator(op)
	switch v := value.(type) {
	case string:
		return b.WithValueText(v), nil
	case bool:
		return b.WithValueBoolean(v), nil
	case int:
		return b.WithValueInt(int64(v)), nil
	case int64:
		return b.WithValueInt(v), nil
	case float64:
		return b.WithValueNumber(v), nil
	case float32:
		return b.WithValueNumber(float64(v)), nil
	default:
		return nil, fmt.Errorf("unsupported filter value type %T for field %q", value, field)
	}
}

func numberFilter(field string, op filters.WhereOperator, value float64) *filters.WhereBuilder {
	return filters.Where().WithPath([]string{field}).WithOperator(op).WithValueNumber(value)
}

func (w *WeaviateIndex) resultFields() []graphql.Field {
	return []graphql.Field{
		{Name: "documentId"},
		{Name: "chunkIndex"},
		{Name: "content"},
		{Name: "startPage"},
		{Name: "endPage"},
		{Name: "characterCount"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}, {Name: "id"}}},
	}
}

func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, conds []types.FilterCondition, limit int, minScore float64) ([]ScoredChunk, error) {
	where, err := w.translateConditions(conds)
	if err != nil {
		return nil, err
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector).
		WithCertainty(float32(minScore))

	getBuilder := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(w.resultFields()...).
		WithNearVector(nearVector)
	if limit > 0 {
		getBuilder = getBuilder.WithLimit(limit)
	}
	if where != nil {
		getBuilder = getBuilder.WithWhere(where)
	}

	result, err := getBuilder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	if result.Errors != nil {
		return nil, fmt.Errorf("vector search failed: %v", result.Errors[0].Message)
	}

	return w.parseHits(result.Data)
}

func (w *WeaviateIndex) parseHits(data map[string]models.JSONObject) ([]ScoredChunk, error) {
	var hits []ScoredChunk
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return hits, nil
	}
	items, ok := get[w.className].([]interface{})
	if !ok {
		return hits, nil
	}
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		hit := ScoredChunk{
			DocumentID:     asString(obj["documentId"]),
			ChunkIndex:     asInt(obj["chunkIndex"]),
			Text:           asString(obj["content"]),
			StartPage:      asInt(obj["startPage"]),
			EndPage:        asInt(obj["endPage"]),
			CharacterCount: asInt(obj["characterCount"]),
		}
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				hit.Score = certainty
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (w *WeaviateIndex) documentWhere(documentID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueText(documentID)
}

// DeleteDocument removes every vector of the document in bounded batches.
// Running it against an already-deleted document is a no-op.
func (w *WeaviateIndex) DeleteDocument(ctx context.Context, documentID string) error {
	for {
		resp, err := w.client.Batch().ObjectsBatchDeleter().
			WithClassName(w.className).
			WithWhere(w.documentWhere(documentID)).
			WithOutput("minimal").
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete vectors for document %s: %w", documentID, err)
		}
		if resp == nil || resp.Results == nil || resp.Results.Matches < deleteBatchSize {
			return nil
		}
	}
}

// UpdateDocumentPayload merges payload fields into every vector of the
// document, paging through object ids.
func (w *WeaviateIndex) UpdateDocumentPayload(ctx context.Context, documentID string, payload map[string]interface{}) error {
	offset := 0
	for {
		result, err := w.client.GraphQL().Get().
			WithClassName(w.className).
			WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}}).
			WithWhere(w.documentWhere(documentID)).
			WithLimit(payloadPageSize).
			WithOffset(offset).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to list vectors for document %s: %w", documentID, err)
		}
		if result.Errors != nil {
			return fmt.Errorf("failed to list vectors for document %s: %v", documentID, result.Errors[0].Message)
		}

		ids := w.parseIDs(result.Data)
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			err := w.client.Data().Updater().
				WithClassName(w.className).
				WithID(id).
				WithProperties(payload).
				WithMerge().
				Do(ctx)
			if err != nil {
				return fmt.Errorf("failed to merge payload into vector %s: %w", id, err)
			}
		}
		if len(ids) < payloadPageSize {
			return nil
		}
		offset += payloadPageSize
	}
}

func (w *WeaviateIndex) parseIDs(data map[string]models.JSONObject) []string {
	var ids []string
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return ids
	}
	items, ok := get[w.className].([]interface{})
	if !ok {
		return ids
	}
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if id, ok := additional["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (w *WeaviateIndex) FetchChunkVector(ctx context.Context, documentID string, chunkIndex int) ([]float32, error) {
	id := ChunkPointID(documentID, chunkIndex)
	objects, err := w.client.Data().ObjectsGetter().
		WithClassName(w.className).
		WithID(id).
		WithVector().
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch vector for %s chunk %d: %w", documentID, chunkIndex, err)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("no vector found for %s chunk %d", documentID, chunkIndex)
	}
	return []float32(objects[0].Vector), nil
}

// FetchRangeCentroid averages and normalizes the vectors of all chunks whose
// page span overlaps [startPage, endPage].
func (w *WeaviateIndex) FetchRangeCentroid(ctx context.Context, documentID string, startPage, endPage int) ([]float32, error) {
	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		w.documentWhere(documentID),
		numberFilter("startPage", filters.LessThanEqual, float64(endPage)),
		numberFilter("endPage", filters.GreaterThanEqual, float64(startPage)),
	})

	result, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "vector"}}}).
		WithWhere(where).
		WithLimit(payloadPageSize).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page range vectors for %s: %w", documentID, err)
	}
	if result.Errors != nil {
		return nil, fmt.Errorf("failed to fetch page range vectors for %s: %v", documentID, result.Errors[0].Message)
	}

	vectors := w.parseVectors(result.Data)
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no vectors for %s in pages %d-%d", documentID, startPage, endPage)
	}
	return utils.Normalize(utils.Mean(vectors)), nil
}

func (w *WeaviateIndex) parseVectors(data map[string]models.JSONObject) [][]float32 {
	var vectors [][]float32
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return vectors
	}
	items, ok := get[w.className].([]interface{})
	if !ok {
		return vectors
	}
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		additional, ok := obj["_additional"].(map[string]interface{})
		if !ok {
			continue
		}
		raw, ok := additional["vector"].([]interface{})
		if !ok {
			continue
		}
		vec := make([]float32, 0, len(raw))
		for _, x := range raw {
			if f, ok := x.(float64); ok {
				vec = append(vec, float32(f))
			}
		}
		vectors = append(vectors, vec)
	}
	return vectors
}

func (w *WeaviateIndex) CountDocumentChunks(ctx context.Context, documentID string) (int, error) {
	result, err := w.client.GraphQL().Aggregate().
		WithClassName(w.className).
		WithWhere(w.documentWhere(documentID)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors for document %s: %w", documentID, err)
	}
	if result.Errors != nil {
		return 0, fmt.Errorf("failed to count vectors for document %s: %v", documentID, result.Errors[0].Message)
	}

	agg, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	items, ok := agg[w.className].([]interface{})
	if !ok || len(items) == 0 {
		return 0, nil
	}
	entry, ok := items[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := entry["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	f, _ := v.(float64)
	return int(f)
}
