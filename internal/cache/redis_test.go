package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheFromClient(client), mr
}

func TestKeyString(t *testing.T) {
	k := Key{Namespace: "prod", ServiceFunction: "orders.get", ArgumentJSON: `{"id":"1"}`}
	assert.Equal(t, `CourierResponseCache:prod:orders.get:{"id":"1"}`, k.String())
}

func TestRoundTripAndExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := Key{Namespace: "test", ServiceFunction: "orders.get", ArgumentJSON: `{"id":"1"}`}

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, []byte(`{"id":"1"}`), 10*time.Second))

	data, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"1"}`, string(data))

	mr.FastForward(11 * time.Second)

	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreAssignsDefaultTTL(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := Key{Namespace: "test", ServiceFunction: "orders.get", ArgumentJSON: `{}`}

	ttl, err := Store(ctx, c, key, map[string]string{"id": "1"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	remaining, err := c.TTL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, remaining)
}

func TestStorePreservesExistingTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := Key{Namespace: "test", ServiceFunction: "orders.get", ArgumentJSON: `{}`}

	require.NoError(t, c.Set(ctx, key, []byte(`"old"`), 30*time.Second))
	mr.FastForward(10 * time.Second)

	ttl, err := Store(ctx, c, key, "new", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, ttl)

	data, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"new"`, string(data))

	remaining, err := c.TTL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, remaining)
}

func TestStoreAfterExpiryAssignsDefaultTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := Key{Namespace: "test", ServiceFunction: "orders.get", ArgumentJSON: `{}`}

	require.NoError(t, c.Set(ctx, key, []byte(`"old"`), 5*time.Second))
	mr.FastForward(6 * time.Second)

	ttl, err := Store(ctx, c, key, "new", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(61 * time.Second)
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "stored value must not outlive its default ttl")
}

func TestPutGivesPersistentKeyAnExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := Key{Namespace: "test", ServiceFunction: "orders.get", ArgumentJSON: `{"id":"9"}`}

	// 键存在但没有过期时间
	require.NoError(t, mr.Set(key.String(), `"old"`))

	ttl, err := c.Put(ctx, key, []byte(`"new"`), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)
	assert.Equal(t, 30*time.Second, mr.TTL(key.String()))

	got, err := mr.Get(key.String())
	require.NoError(t, err)
	assert.Equal(t, `"new"`, got)
}
