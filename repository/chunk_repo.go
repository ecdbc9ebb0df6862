package repository

import (
	"context"
	"log"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/docverse/docsim-be/types"
)

type ChunkRepo interface {
	InsertChunks(ctx context.Context, chunks []*types.Chunk) error
	UpsertChunk(ctx context.Context, chunk *types.Chunk) error
	ListByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error)
	ListByDocumentPages(ctx context.Context, documentID string, startPage, endPage int) ([]*types.Chunk, error)
	CountByDocument(ctx context.Context, documentID string) (int64, error)
	// DeleteByDocument removes all chunk rows of a document; called before
	// reprocessing so retried runs never produce duplicate indices.
	DeleteByDocument(ctx context.Context, documentID string) error
}

type chunkRepo struct {
	collection *mongo.Collection
}

func NewChunkRepo(db *mongo.Database) ChunkRepo {
	collection := db.Collection("chunks")
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "index", Value: 1}}},
		{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "start_page", Value: 1}}},
	}
	if _, err := collection.Indexes().CreateMany(context.Background(), indexes); err != nil {
		log.Printf("Error creating chunk indexes: %v", err)
	}
	return &chunkRepo{collection: collection}
}

func (r *chunkRepo) InsertChunks(ctx context.Context, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]interface{}, len(chunks))
	for i, c := range chunks {
		docs[i] = c
	}
	_, err := r.collection.InsertMany(ctx, docs)
	return err
}

func (r *chunkRepo) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"document_id": chunk.DocumentID, "index": chunk.Index},
		chunk,
		options.Replace().SetUpsert(true))
	return err
}

func (r *chunkRepo) find(ctx context.Context, filter bson.M) ([]*types.Chunk, error) {
	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var chunks []*types.Chunk
	for cursor.Next(ctx) {
		var chunk types.Chunk
		if err := cursor.Decode(&chunk); err != nil {
			return nil, err
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, nil
}

func (r *chunkRepo) ListByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error) {
	return r.find(ctx, bson.M{"document_id": documentID})
}

func (r *chunkRepo) ListByDocumentPages(ctx context.Context, documentID string, startPage, endPage int) ([]*types.Chunk, error) {
	return r.find(ctx, bson.M{
		"document_id": documentID,
		"start_page":  bson.M{"$lte": endPage},
		"end_page":    bson.M{"$gte": startPage},
	})
}

func (r *chunkRepo) CountByDocument(ctx context.Context, documentID string) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{"document_id": documentID})
}

func (r *chunkRepo) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{"document_id": documentID})
	return err
}
