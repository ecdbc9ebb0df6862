package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/docverse/docsim-be/types"
)

// ErrDocumentNotFound is returned when a document row does not exist. The
// pipeline treats this mid-processing as an implicit cancellation.
var ErrDocumentNotFound = errors.New("document not found")

type DocumentRepo interface {
	CreateDocument(ctx context.Context, doc *types.Document) error
	GetDocument(ctx context.Context, id string) (*types.Document, error)
	GetOwnedDocument(ctx context.Context, id, owner string) (*types.Document, error)
	GetStatus(ctx context.Context, id string) (types.DocumentStatus, error)
	ListDocuments(ctx context.Context, owner string, status []types.DocumentStatus, limit, offset int) ([]*types.Document, error)

	UpdateStatus(ctx context.Context, id string, status types.DocumentStatus, phase types.ProcessingPhase) error
	SetPageCount(ctx context.Context, id string, pages int) error
	SetProcessingError(ctx context.Context, id string, message string) error
	SetEmbeddingsSkipped(ctx context.Context, id string, message string) error
	SetCentroid(ctx context.Context, id string, centroid []float32, effectiveChunks, totalCharacters int) error

	// DeleteDocument removes the document row and cascades to its chunk rows.
	DeleteDocument(ctx context.Context, id string) error
}

type documentRepo struct {
	documents *mongo.Collection
	chunks    *mongo.Collection
}

func NewDocumentRepo(db *mongo.Database) DocumentRepo {
	documents := db.Collection("documents")
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}
	if _, err := documents.Indexes().CreateMany(context.Background(), indexes); err != nil {
		log.Printf("Error creating document indexes: %v", err)
	}
	return &documentRepo{
		documents: documents,
		chunks:    db.Collection("chunks"),
	}
}

func (r *documentRepo) CreateDocument(ctx context.Context, doc *types.Document) error {
	now := time.Now().Unix()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := r.documents.InsertOne(ctx, doc)
	return err
}

func (r *documentRepo) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	var doc types.Document
	err := r.documents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepo) GetOwnedDocument(ctx context.Context, id, owner string) (*types.Document, error) {
	var doc types.Document
	err := r.documents.FindOne(ctx, bson.M{"_id": id, "owner": owner}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepo) GetStatus(ctx context.Context, id string) (types.DocumentStatus, error) {
	var doc struct {
		Status types.DocumentStatus `bson:"status"`
	}
	err := r.documents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrDocumentNotFound
	}
	if err != nil {
		return "", err
	}
	return doc.Status, nil
}

func (r *documentRepo) ListDocuments(ctx context.Context, owner string, status []types.DocumentStatus, limit, offset int) ([]*types.Document, error) {
	filter := bson.M{}
	if owner != "" {
		filter["owner"] = owner
	}
	if len(status) > 0 {
		filter["status"] = bson.M{"$in": status}
	}
	cursor, err := r.documents.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*types.Document
	skipped := 0
	for cursor.Next(ctx) {
		if skipped < offset {
			skipped++
			continue
		}
		var doc types.Document
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
		if limit > 0 && len(docs) >= limit {
			break
		}
	}
	return docs, nil
}

func (r *documentRepo) update(ctx context.Context, id string, set bson.M) error {
	set["updated_at"] = time.Now().Unix()
	result, err := r.documents.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("update %s: %w", id, ErrDocumentNotFound)
	}
	return nil
}

func (r *documentRepo) UpdateStatus(ctx context.Context, id string, status types.DocumentStatus, phase types.ProcessingPhase) error {
	set := bson.M{"status": status, "updated_at": time.Now().Unix()}
	if phase != "" {
		set["phase"] = phase
	}
	filter := bson.M{"_id": id}
	if status != types.StatusCancelled {
		// A cancellation must never be overwritten by a racing pipeline
		// write, phase advance and final completed/error alike; the refused
		// update surfaces as not-found, which the pipeline treats as
		// cancelled.
		filter["status"] = bson.M{"$ne": types.StatusCancelled}
	}
	result, err := r.documents.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("update %s: %w", id, ErrDocumentNotFound)
	}
	return nil
}

func (r *documentRepo) SetPageCount(ctx context.Context, id string, pages int) error {
	return r.update(ctx, id, bson.M{"page_count": pages})
}

func (r *documentRepo) SetProcessingError(ctx context.Context, id string, message string) error {
	set := bson.M{
		"status":           types.StatusError,
		"processing_error": message,
		"updated_at":       time.Now().Unix(),
	}
	// Same guard as UpdateStatus: an error write must not bury a cancellation.
	filter := bson.M{"_id": id, "status": bson.M{"$ne": types.StatusCancelled}}
	result, err := r.documents.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("update %s: %w", id, ErrDocumentNotFound)
	}
	return nil
}

func (r *documentRepo) SetEmbeddingsSkipped(ctx context.Context, id string, message string) error {
	return r.update(ctx, id, bson.M{
		"embeddings_skipped": true,
		"embeddings_error":   message,
	})
}

func (r *documentRepo) SetCentroid(ctx context.Context, id string, centroid []float32, effectiveChunks, totalCharacters int) error {
	return r.update(ctx, id, bson.M{
		"centroid":              centroid,
		"effective_chunk_count": effectiveChunks,
		"total_characters":      totalCharacters,
	})
}

func (r *documentRepo) DeleteDocument(ctx context.Context, id string) error {
	// Chunk rows go first so an interrupted delete never leaves chunk rows
	// pointing at a missing document.
	if _, err := r.chunks.DeleteMany(ctx, bson.M{"document_id": id}); err != nil {
		return err
	}
	_, err := r.documents.DeleteOne(ctx, bson.M{"_id": id})
	return err
}
