package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"quizsync/core"
	"quizsync/quiz"
)

// MongoStore persists documents in a MongoDB collection. Optimistic
// concurrency is enforced by filtering updates on the stored generation:
// a concurrent writer makes the filter miss and the Put reports
// ErrGenerationMismatch instead of overwriting.
type MongoStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStore wraps an existing collection.
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{
		collection: collection,
		logger:     core.GetLogger(),
	}
}

type mongoDoc struct {
	ID  string    `bson:"_id"`
	Doc quiz.Quiz `bson:"doc"`
}

// Get retrieves a document by id.
func (s *MongoStore) Get(ctx context.Context, id quiz.ID) (*quiz.Quiz, error) {
	var stored mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&stored)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return &stored.Doc, nil
}

// Create inserts or replaces the document with generation 1.
func (s *MongoStore) Create(ctx context.Context, doc *quiz.Quiz) (*quiz.Quiz, error) {
	stored := doc.Copy()
	stored.Generation = 1
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": stored.ID.String()},
		mongoDoc{ID: stored.ID.String(), Doc: *stored},
		opts,
	); err != nil {
		return nil, fmt.Errorf("failed to create assessment: %w", err)
	}
	return stored, nil
}

// Put replaces the document when the stored generation matches. The filter
// carries both the id and the expected generation, so a lost race shows up
// as a zero matched count rather than a clobbered write.
func (s *MongoStore) Put(ctx context.Context, doc *quiz.Quiz, expectedGeneration int64) (*quiz.Quiz, error) {
	stored := doc.Copy()
	stored.Generation = expectedGeneration + 1

	result, err := s.collection.UpdateOne(ctx,
		bson.M{
			"_id":            stored.ID.String(),
			"doc.generation": expectedGeneration,
		},
		bson.M{"$set": bson.M{"doc": *stored}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update assessment: %w", err)
	}
	if result.MatchedCount > 0 {
		return stored, nil
	}

	// The filter missed: distinguish a missing document from a lost race.
	count, err := s.collection.CountDocuments(ctx, bson.M{"_id": stored.ID.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to check assessment existence: %w", err)
	}
	if count == 0 {
		return nil, ErrNotFound
	}
	s.logger.Debug("assessment update lost generation race",
		zap.String("id", stored.ID.String()),
		zap.Int64("expected_generation", expectedGeneration))
	return nil, ErrGenerationMismatch
}

// Close is a no-op; the mongo client is owned by the caller.
func (s *MongoStore) Close() error {
	return nil
}
