package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachedTestStore(t *testing.T) *CachedStore {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	s, err := NewCachedStore(NewMemoryStore(), addr, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCachedStoreReadThrough(t *testing.T) {
	s := cachedTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, seedDoc())
	require.NoError(t, err)

	// First read fills the cache, second read is served from it; both must
	// agree with the inner store.
	first, err := s.Get(ctx, "vendor-1")
	require.NoError(t, err)
	second, err := s.Get(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, first.Generation, second.Generation)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStorePutRefreshesCache(t *testing.T) {
	s := cachedTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, seedDoc())
	require.NoError(t, err)

	doc, err := s.Get(ctx, "vendor-1")
	require.NoError(t, err)
	doc.Comments = "updated"
	_, err = s.Put(ctx, doc, 1)
	require.NoError(t, err)

	got, err := s.Get(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Generation)
	assert.Equal(t, "updated", got.Comments)

	// A stale writer is rejected and must not poison the cache.
	stale, _ := s.Get(ctx, "vendor-1")
	_, err = s.Put(ctx, stale, 1)
	require.ErrorIs(t, err, ErrGenerationMismatch)

	fresh, err := s.Get(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.Generation)
}
