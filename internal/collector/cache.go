package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/profiler"
)

// ErrCacheMiss is returned by Store.Get when the key is absent. Adapters
// normalize their backend's sentinel (e.g. redis.Nil) to it.
var ErrCacheMiss = errors.New("cache: key not found")

// Store is the cache facade the wrapper instruments.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Reset(ctx context.Context) error
}

// Cache decorates a Store: every call is measured, classified and attributed
// to the active request, then passed through unchanged.
type Cache struct {
	store Store
	svc   *profiler.Service
}

func NewCache(svc *profiler.Service, store Store) *Cache {
	return &Cache{store: store, svc: svc}
}

func (c *Cache) Name() string {
	return c.store.Name()
}

// Get classifies hit/miss by whether the key resolved to a value.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	value, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		c.capture(ctx, model.CacheOpGet, key, model.CacheHit, start, nil)
	case errors.Is(err, ErrCacheMiss):
		c.capture(ctx, model.CacheOpGet, key, model.CacheMiss, start, nil)
	default:
		c.capture(ctx, model.CacheOpGet, key, model.CacheFail, start, nil)
	}
	return value, err
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	err := c.store.Set(ctx, key, value, ttl)
	result := model.CacheSuccess
	if err != nil {
		result = model.CacheFail
	}
	var ttlMs *int64
	if ttl > 0 {
		ms := ttl.Milliseconds()
		ttlMs = &ms
	}
	c.capture(ctx, model.CacheOpSet, key, result, start, ttlMs)
	return err
}

func (c *Cache) Del(ctx context.Context, key string) error {
	start := time.Now()
	err := c.store.Del(ctx, key)
	result := model.CacheSuccess
	if err != nil {
		result = model.CacheFail
	}
	c.capture(ctx, model.CacheOpDel, key, result, start, nil)
	return err
}

func (c *Cache) Reset(ctx context.Context) error {
	start := time.Now()
	err := c.store.Reset(ctx)
	result := model.CacheSuccess
	if err != nil {
		result = model.CacheFail
	}
	c.capture(ctx, model.CacheOpReset, "*", result, start, nil)
	return err
}

func (c *Cache) capture(ctx context.Context, operation, key, result string, start time.Time, ttlMs *int64) {
	durationMs := time.Since(start).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	c.svc.AddCache(ctx, &model.CacheEvent{
		Key:        key,
		Store:      c.store.Name(),
		Operation:  operation,
		Result:     result,
		TTLMs:      ttlMs,
		DurationMs: durationMs,
		StartTime:  start.UnixMilli(),
	})
}

// RedisStore adapts *redis.Client to the cache facade.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return value, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.client.FlushDB(ctx).Err()
}

// MemoryStore is the in-process fallback cache.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]memoryEntry)
	s.mu.Unlock()
	return nil
}
