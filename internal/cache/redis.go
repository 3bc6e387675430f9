package cache

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore shares vectors across every engine instance through Redis with a
// TTL on each key. Redis failures degrade to cache misses.
type RedisStore struct {
	redis *goredis.Client
	ttl   time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *goredis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{redis: client, ttl: ttlOrDefault(ttl)}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := r.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			log.Warn().Err(err).Str("key", key).Msg("embedding cache get failed")
		}
		return nil, false
	}
	var vec []float32
	if err := msgpack.Unmarshal(data, &vec); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("dropping corrupt embedding cache entry")
		_ = r.redis.Del(ctx, key).Err()
		return nil, false
	}
	return vec, true
}

func (r *RedisStore) Set(ctx context.Context, key string, vec []float32) {
	data, err := msgpack.Marshal(vec)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode embedding for cache")
		return
	}
	if err := r.redis.Set(ctx, key, data, r.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("embedding cache set failed")
	}
}

func (r *RedisStore) Close() error {
	return r.redis.Close()
}
