package cache

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-rag/internal/config"
)

func TestKey_TenantQualified(t *testing.T) {
	a := Key("rag:emb:", "t1", "m", "same text")
	b := Key("rag:emb:", "t2", "m", "same text")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Key("rag:emb:", "t1", "m", "same text"))
	assert.NotEqual(t, a, Key("rag:emb:", "t1", "other-model", "same text"))
	// "t1:m" + "x" must not collide with "t1" + "m:x".
	assert.NotEqual(t, Key("p:", "t1:m", "x", "q"), Key("p:", "t1", "m:x", "q"))
}

func TestNew_Backends(t *testing.T) {
	s, err := New(config.CacheConfig{Backend: "none"})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, s)

	s, err = New(config.CacheConfig{Backend: "memory", MaxEntries: 10, TTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	_, err = New(config.CacheConfig{Backend: "memcached"})
	assert.Error(t, err)
}

func TestMemoryStore_SetGet(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemoryStore(100, time.Minute)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	key := Key("p:", "t1", "m", "hello")
	m.Set(ctx, key, []float32{1, 2, 3})
	m.Wait()

	got, ok := m.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, got)

	got[0] = 99
	again, ok := m.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, float32(1), again[0], "returned vectors must not alias the cached value")

	_, ok = m.Get(ctx, Key("p:", "t2", "m", "hello"))
	assert.False(t, ok)
}

func TestNoop(t *testing.T) {
	var s Store = Noop{}
	s.Set(context.Background(), "k", []float32{1})
	_, ok := s.Get(context.Background(), "k")
	assert.False(t, ok)
}

func setupTestRedis(t *testing.T) *goredis.Client {
	client := goredis.NewClient(&goredis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available, skipping")
	}
	client.FlushDB(ctx)
	return client
}

func TestRedisStore_SetGet(t *testing.T) {
	client := setupTestRedis(t)
	store := NewRedisStore(client, time.Minute)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	key := Key("test:emb:", "t1", "m", "hello")
	store.Set(ctx, key, []float32{0.5, -1.25})

	got, ok := store.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, -1.25}, got)

	ttl := client.TTL(ctx, key).Val()
	assert.Greater(t, ttl, time.Duration(0))

	_, ok = store.Get(ctx, Key("test:emb:", "t2", "m", "hello"))
	assert.False(t, ok)
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	client := setupTestRedis(t)
	store := NewRedisStore(client, time.Minute)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "test:emb:bad", "not-msgpack\xc1", time.Minute).Err())
	_, ok := store.Get(ctx, "test:emb:bad")
	assert.False(t, ok)
	assert.Equal(t, int64(0), client.Exists(ctx, "test:emb:bad").Val())
}
