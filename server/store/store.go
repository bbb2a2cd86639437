// Package store persists assessment documents for the reference backend.
//
// Every document carries a generation number. Put performs a
// compare-and-swap on the generation: the write only succeeds when the
// stored generation still matches the one the caller read, and the stored
// document's generation is bumped by one. A mismatch is the signal the API
// layer converts into HTTP 409.
package store

import (
	"context"
	"errors"

	"quizsync/quiz"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("assessment not found")

	// ErrGenerationMismatch is returned when a Put loses the generation
	// compare-and-swap: the document changed since the caller read it.
	ErrGenerationMismatch = errors.New("assessment generation mismatch")
)

// Store is the document persistence surface.
type Store interface {
	// Get retrieves a document by id, or ErrNotFound.
	Get(ctx context.Context, id quiz.ID) (*quiz.Quiz, error)

	// Create inserts a new document with generation 1. An existing id is
	// overwritten; creation is an administrative operation.
	Create(ctx context.Context, doc *quiz.Quiz) (*quiz.Quiz, error)

	// Put replaces the document if its stored generation still equals
	// expectedGeneration, bumping the generation by one. Returns the
	// stored document, ErrNotFound, or ErrGenerationMismatch.
	Put(ctx context.Context, doc *quiz.Quiz, expectedGeneration int64) (*quiz.Quiz, error)

	// Close releases any resources held by the store.
	Close() error
}
