// Package cache holds embedding vectors keyed by tenant, model and text hash.
// Keys are always tenant-qualified so two tenants embedding identical text
// never share an entry.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"knowledge-rag/internal/config"
)

// Store is a bounded, concurrency-safe vector cache.
type Store interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
	Close() error
}

// Key builds the cache key. The tenant is length-prefixed so that no tenant id
// can forge another tenant's key space.
func Key(prefix, tenantID, model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return prefix + strconv.Itoa(len(tenantID)) + ":" + tenantID + ":" + model + ":" + hex.EncodeToString(sum[:])
}

// New builds the store selected by cfg.
func New(cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return Noop{}, nil
	case "memory":
		return NewMemoryStore(cfg.MaxEntries, cfg.TTL)
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		return NewRedisStore(client, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]float32, bool) { return nil, false }
func (Noop) Set(context.Context, string, []float32) {}
func (Noop) Close() error { return nil }

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Hour
	}
	return ttl
}
