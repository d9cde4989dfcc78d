package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "llmrelay:cache:"

// RedisStore keeps cache entries in Redis so multiple gateway instances
// share results. Expiry rides on Redis key TTLs; no sweep needed.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	data, err := s.rdb.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cache redis decode: %w", err)
	}
	if e.Expired(time.Now()) {
		return nil, nil
	}
	return &e, nil
}

func (s *RedisStore) Set(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache redis encode: %w", err)
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = 0 // no expiry
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+entry.Fingerprint, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, fingerprint string) error {
	if err := s.rdb.Del(ctx, redisKeyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("cache redis delete: %w", err)
	}
	return nil
}
