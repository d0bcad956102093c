package redis_cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/cache/kv_tier"
)

var ctx = context.Background()

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc, err := NewRedisCache(RedisCacheOpts{
		Client:       client,
		ClientCloser: client,
		KeyPrefix:    "tc:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })
	return rc, mr
}

func encode(version uint64, v string) []byte {
	buf := cache.EncodeEntry(&cache.Entry{Value: []byte(v), Version: version})
	defer buf.Release()
	return append([]byte(nil), buf.Bytes()...)
}

func TestRedisCache(t *testing.T) {
	rc, mr := setupTestRedis(t)

	_, found, err := rc.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, rc.Put(ctx, "k", []byte("v"), time.Minute))
	v, found, err := rc.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)
	assert.True(t, mr.Exists("tc:k"))
	assert.Equal(t, time.Minute, mr.TTL("tc:k"))
	assert.Equal(t, 1, rc.Len())

	mr.FastForward(2 * time.Minute)
	_, found, err = rc.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, rc.Put(ctx, "k", []byte("v"), 0))
	require.NoError(t, rc.Delete(ctx, "k"))
	assert.False(t, mr.Exists("tc:k"))
}

func TestRedisCache_putIfNewer(t *testing.T) {
	rc, mr := setupTestRedis(t)

	applied, err := rc.PutIfNewer(ctx, "k", encode(256, "a"), 256, time.Minute)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, time.Minute, mr.TTL("tc:k"))

	// 255 < 256 but its low byte is larger.
	applied, err = rc.PutIfNewer(ctx, "k", encode(255, "b"), 255, 0)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = rc.PutIfNewer(ctx, "k", encode(1<<40, "c"), 1<<40, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	v, _, err := rc.Get(ctx, "k")
	require.NoError(t, err)
	ver, _ := cache.PeekVersion(v)
	assert.Equal(t, uint64(1<<40), ver)

	_, err = rc.PutIfNewer(ctx, "k", []byte("short"), 1, 0)
	assert.Error(t, err)
}

func TestRedisCache_disabledOnError(t *testing.T) {
	rc, mr := setupTestRedis(t)
	mr.SetError("LOADING")

	_, _, err := rc.Get(ctx, "k")
	require.Error(t, err)
	assert.True(t, rc.disabled())

	_, _, err = rc.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrDisabled)

	mr.SetError("")
	assert.Eventually(t, func() bool { return !rc.disabled() }, 5*time.Second, 20*time.Millisecond)
}

func TestRedisCache_asL2Tier(t *testing.T) {
	rc, mr := setupTestRedis(t)
	tier, err := kv_tier.New(kv_tier.Opts{ID: cache.TierL2, Backend: rc, TTL: 300 * time.Second})
	require.NoError(t, err)

	require.NoError(t, tier.Put(ctx, &cache.Entry{Key: "k", Value: []byte("v"), Version: 2}))
	assert.ErrorIs(t, tier.Put(ctx, &cache.Entry{Key: "k", Value: []byte("old"), Version: 1}), cache.ErrVersionConflict)

	e, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), e.Value)

	mr.FastForward(301 * time.Second)
	_, err = tier.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	mr.Close()
	_, err = tier.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrUnavailable)
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewClient(ctx, ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	mr.Close()
	_, err = NewClient(ctx, ClientConfig{Addr: mr.Addr()})
	assert.Error(t, err)
}
