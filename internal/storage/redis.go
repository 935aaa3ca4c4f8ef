package storage

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/pkg/apperrors"
)

// RedisStorage persists profiles as JSON in a hash, ordered by an id list.
// Failures surface as apperrors.ErrStore so the request lifecycle can drop
// the profile instead of failing the request.
type RedisStorage struct {
	client   *redis.Client
	listKey  string
	hashKey  string
	capacity int
}

func NewRedisStorage(client *redis.Client, listKey string, capacity int) *RedisStorage {
	if listKey == "" {
		listKey = "reqlens:profiles"
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisStorage{
		client:   client,
		listKey:  listKey,
		hashKey:  listKey + ":byid",
		capacity: capacity,
	}
}

func (s *RedisStorage) Save(ctx context.Context, profile *model.RequestProfile) error {
	if profile == nil {
		return nil
	}
	payload, err := json.Marshal(profile)
	if err != nil {
		return apperrors.NewStoreFailure(err)
	}

	exists, err := s.client.HExists(ctx, s.hashKey, profile.ID).Result()
	if err != nil {
		return apperrors.NewStoreFailure(err)
	}
	if err := s.client.HSet(ctx, s.hashKey, profile.ID, payload).Err(); err != nil {
		return apperrors.NewStoreFailure(err)
	}
	if exists {
		// Incremental save: the entry keeps its position in the id list.
		return nil
	}

	if err := s.client.LPush(ctx, s.listKey, profile.ID).Err(); err != nil {
		return apperrors.NewStoreFailure(err)
	}
	n, err := s.client.LLen(ctx, s.listKey).Result()
	if err != nil {
		return apperrors.NewStoreFailure(err)
	}
	for n > int64(s.capacity) {
		evicted, err := s.client.RPop(ctx, s.listKey).Result()
		if err != nil {
			return apperrors.NewStoreFailure(err)
		}
		_ = s.client.HDel(ctx, s.hashKey, evicted).Err()
		n--
	}
	return nil
}

func (s *RedisStorage) Get(ctx context.Context, id string) (*model.RequestProfile, error) {
	raw, err := s.client.HGet(ctx, s.hashKey, id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreFailure(err)
	}
	var profile model.RequestProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, apperrors.NewStoreFailure(err)
	}
	return &profile, nil
}

func (s *RedisStorage) All(ctx context.Context) ([]*model.RequestProfile, error) {
	ids, err := s.client.LRange(ctx, s.listKey, 0, int64(s.capacity)-1).Result()
	if err != nil {
		return nil, apperrors.NewStoreFailure(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := s.client.HMGet(ctx, s.hashKey, ids...).Result()
	if err != nil {
		return nil, apperrors.NewStoreFailure(err)
	}
	profiles := make([]*model.RequestProfile, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var profile model.RequestProfile
		if err := json.Unmarshal([]byte(str), &profile); err != nil {
			continue
		}
		profiles = append(profiles, &profile)
	}
	return profiles, nil
}
