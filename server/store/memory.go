package store

import (
	"context"
	"sync"

	"quizsync/quiz"
)

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*quiz.Quiz
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*quiz.Quiz)}
}

// Get retrieves a copy of the stored document.
func (s *MemoryStore) Get(_ context.Context, id quiz.ID) (*quiz.Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Copy(), nil
}

// Create inserts the document with generation 1.
func (s *MemoryStore) Create(_ context.Context, doc *quiz.Quiz) (*quiz.Quiz, error) {
	stored := doc.Copy()
	stored.Generation = 1
	s.mu.Lock()
	s.docs[stored.ID.String()] = stored
	s.mu.Unlock()
	return stored.Copy(), nil
}

// Put performs the generation compare-and-swap.
func (s *MemoryStore) Put(_ context.Context, doc *quiz.Quiz, expectedGeneration int64) (*quiz.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[doc.ID.String()]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Generation != expectedGeneration {
		return nil, ErrGenerationMismatch
	}
	stored := doc.Copy()
	stored.Generation = expectedGeneration + 1
	s.docs[doc.ID.String()] = stored
	return stored.Copy(), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
