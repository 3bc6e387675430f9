package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// MemoryStore is an in-process cache with TinyLFU admission and TTL expiry.
// Each entry costs 1, so MaxCost is the entry bound.
type MemoryStore struct {
	cache *ristretto.Cache[string, []float32]
	ttl   time.Duration
}

// NewMemoryStore creates a cache holding at most maxEntries vectors.
func NewMemoryStore(maxEntries int64, ttl time.Duration) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryStore{cache: c, ttl: ttlOrDefault(ttl)}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]float32, bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	return clone(v), true
}

func (m *MemoryStore) Set(_ context.Context, key string, vec []float32) {
	m.cache.SetWithTTL(key, clone(vec), 1, m.ttl)
}

// Wait blocks until buffered writes are applied.
func (m *MemoryStore) Wait() {
	m.cache.Wait()
}

func (m *MemoryStore) Close() error {
	m.cache.Close()
	return nil
}
