package collector

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/profiler"
	"github.com/reqlens/reqlens/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCollectorService() (*profiler.Service, *model.RequestProfile, context.Context) {
	svc := profiler.NewService(profiler.Options{
		Enabled:        true,
		CollectQueries: true,
		CollectLogs:    true,
		CollectMongo:   true,
		CollectCache:   true,
	}, storage.NewMemoryStorage(100))
	p := svc.StartRequest()
	ctx := profiler.WithProfile(context.Background(), p)
	return svc, p, ctx
}

func TestCache_GetClassifiesHitMiss(t *testing.T) {
	svc, p, ctx := newCollectorService()
	cache := NewCache(svc, NewMemoryStore())

	_, err := cache.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "present", "value", 0))
	value, err := cache.Get(ctx, "present")
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	require.Len(t, p.Cache, 3)
	assert.Equal(t, model.CacheOpGet, p.Cache[0].Operation)
	assert.Equal(t, model.CacheMiss, p.Cache[0].Result)
	assert.Equal(t, model.CacheOpSet, p.Cache[1].Operation)
	assert.Equal(t, model.CacheSuccess, p.Cache[1].Result)
	assert.Equal(t, model.CacheHit, p.Cache[2].Result)
	assert.Equal(t, "memory", p.Cache[2].Store)
}

func TestCache_SetRecordsTTL(t *testing.T) {
	svc, p, ctx := newCollectorService()
	cache := NewCache(svc, NewMemoryStore())

	require.NoError(t, cache.Set(ctx, "k", "v", 2*time.Second))
	require.NoError(t, cache.Set(ctx, "k", "v", 0))

	require.Len(t, p.Cache, 2)
	require.NotNil(t, p.Cache[0].TTLMs)
	assert.Equal(t, int64(2000), *p.Cache[0].TTLMs)
	assert.Nil(t, p.Cache[1].TTLMs)
}

func TestCache_DelAndReset(t *testing.T) {
	svc, p, ctx := newCollectorService()
	store := NewMemoryStore()
	cache := NewCache(svc, store)

	require.NoError(t, cache.Set(ctx, "k", "v", 0))
	require.NoError(t, cache.Del(ctx, "k"))
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "a", "1", 0))
	require.NoError(t, cache.Reset(ctx))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	last := p.Cache[len(p.Cache)-1]
	assert.Equal(t, model.CacheOpReset, last.Operation)
	assert.Equal(t, "*", last.Key)
}

func TestCache_NoContextPassesThrough(t *testing.T) {
	svc, p, _ := newCollectorService()
	cache := NewCache(svc, NewMemoryStore())

	// Calls outside a request still work; nothing is recorded.
	require.NoError(t, cache.Set(context.Background(), "k", "v", 0))
	value, err := cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
	assert.Empty(t, p.Cache)
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisStore_MissNormalized(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client)
	ctx := context.Background()

	_, err := store.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	require.NoError(t, store.Reset(ctx))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
