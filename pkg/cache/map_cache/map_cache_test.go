package map_cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/tiercache/pkg/cache"
)

var ctx = context.Background()

func encode(version uint64, v string) []byte {
	buf := cache.EncodeEntry(&cache.Entry{Value: []byte(v), Version: version})
	defer buf.Release()
	return append([]byte(nil), buf.Bytes()...)
}

func Test_mapCache(t *testing.T) {
	c := NewMapCache(0)
	defer c.Close()

	require.NoError(t, c.Put(ctx, "k", []byte("v"), 0))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_mapCache_ttl(t *testing.T) {
	c := NewMapCache(0)
	defer c.Close()
	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_mapCache_cleaner(t *testing.T) {
	c := NewMapCache(time.Millisecond * 10)
	defer c.Close()
	for i := 0; i < 64; i++ {
		require.NoError(t, c.Put(ctx, string(rune('a'+i)), nil, time.Nanosecond))
	}
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func Test_mapCache_putIfNewer(t *testing.T) {
	c := NewMapCache(0)
	defer c.Close()

	applied, err := c.PutIfNewer(ctx, "k", encode(5, "five"), 5, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = c.PutIfNewer(ctx, "k", encode(4, "four"), 4, 0)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = c.PutIfNewer(ctx, "k", encode(5, "five"), 5, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	v, _, _ := c.Get(ctx, "k")
	ver, _ := cache.PeekVersion(v)
	assert.Equal(t, uint64(5), ver)
}

func Test_mapCache_closed(t *testing.T) {
	c := NewMapCache(0)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, _, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrClosed)
}

func Test_mapCache_ctx(t *testing.T) {
	c := NewMapCache(0)
	defer c.Close()
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, c.Put(cctx, "k", nil, 0), context.Canceled)
}
