package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quizsync/core"
	"quizsync/quiz"
)

const cachePrefix = "quizsync:doc:"

// CachedStore is a read-through Redis cache in front of another Store.
// Writes go to the inner store first and then refresh the cache, so a
// failed write never leaves a stale entry behind a successful one.
type CachedStore struct {
	inner  Store
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore wraps inner with a Redis cache. A non-positive ttl
// defaults to five minutes.
func NewCachedStore(inner Store, redisAddr string, ttl time.Duration) (*CachedStore, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: core.GetLogger(),
	}, nil
}

// Get serves from the cache when possible, falling back to the inner store.
func (s *CachedStore) Get(ctx context.Context, id quiz.ID) (*quiz.Quiz, error) {
	data, err := s.client.Get(ctx, cachePrefix+id.String()).Bytes()
	if err == nil {
		var doc quiz.Quiz
		if err := json.Unmarshal(data, &doc); err == nil {
			return &doc, nil
		}
		// A corrupt entry falls through to the inner store.
		s.logger.Warn("dropping corrupt cache entry", zap.String("id", id.String()))
		s.client.Del(ctx, cachePrefix+id.String())
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn("cache read failed", zap.String("id", id.String()), zap.Error(err))
	}

	doc, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, doc)
	return doc, nil
}

// Create writes through to the inner store and primes the cache.
func (s *CachedStore) Create(ctx context.Context, doc *quiz.Quiz) (*quiz.Quiz, error) {
	stored, err := s.inner.Create(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, stored)
	return stored, nil
}

// Put writes through to the inner store and refreshes the cache on success.
// On a generation mismatch the entry is invalidated so the next read sees
// the winner's document.
func (s *CachedStore) Put(ctx context.Context, doc *quiz.Quiz, expectedGeneration int64) (*quiz.Quiz, error) {
	stored, err := s.inner.Put(ctx, doc, expectedGeneration)
	if err != nil {
		if errors.Is(err, ErrGenerationMismatch) {
			s.client.Del(ctx, cachePrefix+doc.ID.String())
		}
		return nil, err
	}
	s.fill(ctx, stored)
	return stored, nil
}

func (s *CachedStore) fill(ctx context.Context, doc *quiz.Quiz) {
	data, err := json.Marshal(doc)
	if err != nil {
		s.logger.Warn("failed to encode document for cache", zap.Error(err))
		return
	}
	if err := s.client.Set(ctx, cachePrefix+doc.ID.String(), data, s.ttl).Err(); err != nil {
		s.logger.Warn("cache write failed", zap.String("id", doc.ID.String()), zap.Error(err))
	}
}

// Close closes the Redis client and the inner store.
func (s *CachedStore) Close() error {
	if err := s.client.Close(); err != nil {
		s.inner.Close()
		return err
	}
	return s.inner.Close()
}
