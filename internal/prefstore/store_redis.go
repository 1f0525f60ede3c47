package prefstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "webshell:prefs:"

// RedisStore keeps one hash per browser. Every write pushes the hash TTL
// forward, so abandoned browsers age out.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func redisKey(browserID string) string {
	return redisKeyPrefix + browserID
}

func (s *RedisStore) Get(ctx context.Context, browserID, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, redisKey(browserID), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis hget preference: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, browserID, key, value string) error {
	k := redisKey(browserID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k, key, value)
		if s.ttl > 0 {
			p.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset preference: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, browserID, key string) error {
	if err := s.rdb.HDel(ctx, redisKey(browserID), key).Err(); err != nil {
		return fmt.Errorf("redis hdel preference: %w", err)
	}
	return nil
}
