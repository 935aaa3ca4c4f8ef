package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStorage(t *testing.T, capacity int) *RedisStorage {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStorage(client, "test:profiles", capacity)
}

func TestRedisStorage_SaveAndGet(t *testing.T) {
	store := newTestRedisStorage(t, 10)
	ctx := context.Background()

	profile := &model.RequestProfile{ID: "req-1", Method: "POST", URL: "/demo/users"}
	require.NoError(t, store.Save(ctx, profile))

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/demo/users", got.URL)

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRedisStorage_NewestFirstAndEviction(t *testing.T) {
	store := newTestRedisStorage(t, 3)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Save(ctx, &model.RequestProfile{ID: fmt.Sprintf("req-%d", i)}))
	}

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "req-4", all[0].ID)
	assert.Equal(t, "req-2", all[2].ID)

	evicted, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Nil(t, evicted)
}

func TestRedisStorage_UpsertKeepsPosition(t *testing.T) {
	store := newTestRedisStorage(t, 10)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &model.RequestProfile{ID: "req-1"}))
	require.NoError(t, store.Save(ctx, &model.RequestProfile{ID: "req-2"}))
	require.NoError(t, store.Save(ctx, &model.RequestProfile{ID: "req-1", StatusCode: 500}))

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "req-2", all[0].ID)
	assert.Equal(t, "req-1", all[1].ID)
	assert.Equal(t, 500, all[1].StatusCode)
}

func TestRedisStorage_AllEmpty(t *testing.T) {
	store := newTestRedisStorage(t, 10)

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}
