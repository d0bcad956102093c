package writepolicy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/tiercache/pkg/cache"
)

var ctx = context.Background()

func entry(key string, version uint64) *cache.Entry {
	return &cache.Entry{Key: key, Value: []byte(fmt.Sprintf("%s@%d", key, version)), Version: version}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"":              KindThrough,
		"through":       KindThrough,
		"write_through": KindThrough,
		"BACK":          KindBack,
		"write_around":  KindAround,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("sideways")
	assert.Error(t, err)
}

func TestThrough(t *testing.T) {
	tiers, l1, l2, l3 := newTiers()
	p := NewThrough(ThroughOpts{})
	require.NoError(t, p.Apply(ctx, tiers, entry("k", 1)))
	for _, tier := range []*fakeTier{l1, l2, l3} {
		v, ok := tier.version("k")
		assert.True(t, ok, tier.id)
		assert.Equal(t, uint64(1), v)
	}
}

func TestThrough_retriesFailedTier(t *testing.T) {
	tiers, _, _, l3 := newTiers()
	l3.failPuts = 2
	p := NewThrough(ThroughOpts{Retries: 2, Backoff: time.Millisecond})
	require.NoError(t, p.Apply(ctx, tiers, entry("k", 1)))
	puts, _ := l3.stats()
	assert.Equal(t, 3, puts)
}

func TestThrough_durabilityFailure(t *testing.T) {
	tiers, l1, l2, l3 := newTiers()
	require.NoError(t, l1.Put(ctx, entry("k", 1)))
	require.NoError(t, l2.Put(ctx, entry("k", 1)))
	require.NoError(t, l3.Put(ctx, entry("k", 1)))
	l2.setDown(true)

	p := NewThrough(ThroughOpts{Retries: 1, Backoff: time.Millisecond})
	err := p.Apply(ctx, tiers, entry("k", 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrDurability)
	assert.ErrorIs(t, err, cache.ErrUnavailable)

	var df *cache.DurabilityFailure
	require.ErrorAs(t, err, &df)
	assert.Equal(t, cache.TierL2, df.Tier)
	assert.Equal(t, 2, df.Attempts)

	// L1 must not keep the old value while L3 has the new one.
	_, ok := l1.version("k")
	assert.False(t, ok)
	v, _ := l3.version("k")
	assert.Equal(t, uint64(2), v)
}

func TestThrough_l3DownWritesNothing(t *testing.T) {
	tiers, l1, l2, l3 := newTiers()
	l3.setDown(true)
	p := NewThrough(ThroughOpts{Retries: -1})
	err := p.Apply(ctx, tiers, entry("k", 1))
	assert.ErrorIs(t, err, cache.ErrDurability)
	assert.False(t, l1.Contains(ctx, "k"))
	assert.False(t, l2.Contains(ctx, "k"))
	puts, _ := l3.stats()
	assert.Equal(t, 1, puts)
}

func TestThrough_staleWriteStops(t *testing.T) {
	tiers, l1, _, l3 := newTiers()
	require.NoError(t, l3.Put(ctx, entry("k", 5)))
	p := NewThrough(ThroughOpts{})
	require.NoError(t, p.Apply(ctx, tiers, entry("k", 4)))
	assert.False(t, l1.Contains(ctx, "k"))
	v, _ := l3.version("k")
	assert.Equal(t, uint64(5), v)
}

func TestAround(t *testing.T) {
	tiers, l1, l2, l3 := newTiers()
	require.NoError(t, l1.Put(ctx, entry("k", 1)))
	require.NoError(t, l2.Put(ctx, entry("k", 1)))

	p := NewAround(ThroughOpts{})
	require.NoError(t, p.Apply(ctx, tiers, entry("k", 2)))
	assert.False(t, l1.Contains(ctx, "k"))
	assert.False(t, l2.Contains(ctx, "k"))
	v, _ := l3.version("k")
	assert.Equal(t, uint64(2), v)

	l1puts, _ := l1.stats()
	assert.Equal(t, 1, l1puts)
}

func TestAround_l3Down(t *testing.T) {
	tiers, l1, _, l3 := newTiers()
	require.NoError(t, l1.Put(ctx, entry("k", 1)))
	l3.setDown(true)
	p := NewAround(ThroughOpts{Retries: -1})
	assert.ErrorIs(t, p.Apply(ctx, tiers, entry("k", 2)), cache.ErrDurability)
	// Nothing was written, the cached copy still matches L3's last value.
	assert.True(t, l1.Contains(ctx, "k"))
}

func TestBack_returnsBeforeL3(t *testing.T) {
	tiers, l1, l2, l3 := newTiers()
	l3.setDown(true)
	p := NewBack(BackOpts{MaxAttempts: 100, InitialBackoff: time.Hour})

	require.NoError(t, p.Apply(ctx, tiers, entry("k", 1)))
	assert.True(t, l1.Contains(ctx, "k"))
	assert.False(t, l2.Contains(ctx, "k"))
	assert.Equal(t, 1, p.QueueDepth())

	l3.setDown(false)
	require.NoError(t, p.Close())
	v, ok := l3.version("k")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, 0, p.QueueDepth())
}

func TestBack_retriesWithBackoff(t *testing.T) {
	tiers, _, _, l3 := newTiers()
	l3.failPuts = 2
	p := NewBack(BackOpts{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond})
	defer p.Close()

	require.NoError(t, p.Apply(ctx, tiers, entry("k", 1)))
	assert.Eventually(t, func() bool {
		_, ok := l3.version("k")
		return ok
	}, time.Second, time.Millisecond)

	puts, _ := l3.stats()
	assert.Equal(t, 3, puts)
	assert.False(t, p.Pending("k"))
}

func TestBack_exhaustedIsReported(t *testing.T) {
	tiers, l1, _, l3 := newTiers()
	l3.setDown(true)

	var mu sync.Mutex
	var failures []*cache.DurabilityFailure
	p := NewBack(BackOpts{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		Sink: SinkFunc(func(f *cache.DurabilityFailure) {
			mu.Lock()
			failures = append(failures, f)
			mu.Unlock()
		}),
	})
	defer p.Close()

	require.NoError(t, p.Apply(ctx, tiers, entry("k", 1)))
	assert.Eventually(t, func() bool { return p.PendingLen() == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	require.Len(t, failures, 1)
	assert.Equal(t, "k", failures[0].Key)
	assert.Equal(t, 2, failures[0].Attempts)
	assert.Equal(t, cache.TierL3, failures[0].Tier)
	mu.Unlock()

	// The in-memory copy stays valid but is flagged.
	assert.True(t, l1.Contains(ctx, "k"))
	assert.True(t, p.Pending("k"))

	l3.setDown(false)
	n, err := p.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool { return !p.Pending("k") }, time.Second, time.Millisecond)
	v, _ := l3.version("k")
	assert.Equal(t, uint64(1), v)
}

func TestBack_sameKeyOrder(t *testing.T) {
	tiers, _, _, l3 := newTiers()
	p := NewBack(BackOpts{Workers: 4})

	var want []string
	for v := uint64(1); v <= 50; v++ {
		require.NoError(t, p.Apply(ctx, tiers, entry("k", v)))
		require.NoError(t, p.Apply(ctx, tiers, entry(fmt.Sprint("other", v), v)))
		want = append(want, fmt.Sprintf("k@%d", v))
	}
	require.NoError(t, p.Close())

	l3.mu.Lock()
	defer l3.mu.Unlock()
	var got []string
	for _, s := range l3.putLog {
		if strings.HasPrefix(s, "k@") {
			got = append(got, s)
		}
	}
	assert.Equal(t, want, got)
}

func TestBack_writeL2(t *testing.T) {
	tiers, _, l2, _ := newTiers()
	p := NewBack(BackOpts{WriteL2: true})
	defer p.Close()
	require.NoError(t, p.Apply(ctx, tiers, entry("k", 1)))
	assert.True(t, l2.Contains(ctx, "k"))
}

func TestBack_closedRejects(t *testing.T) {
	tiers, l1, _, _ := newTiers()
	p := NewBack(BackOpts{})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Apply(ctx, tiers, entry("k", 1)), cache.ErrClosed)
	assert.False(t, l1.Contains(ctx, "k"))
}

func TestBack_queueFull(t *testing.T) {
	tiers, _, _, l3 := newTiers()
	l3.setDown(true)
	p := NewBack(BackOpts{QueueSize: 1, MaxAttempts: 1000, InitialBackoff: time.Hour})

	l3.putSignal = make(chan struct{}, 1)
	require.NoError(t, p.Apply(ctx, tiers, entry("a", 1)))
	<-l3.putSignal // worker holds task "a"
	require.NoError(t, p.Apply(ctx, tiers, entry("b", 1)))

	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := p.Apply(tctx, tiers, entry("c", 1))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l3.setDown(false)
	require.NoError(t, p.Close())
	assert.True(t, l3.Contains(ctx, "a"))
	assert.True(t, l3.Contains(ctx, "b"))
}

func TestBack_backoff(t *testing.T) {
	p := &Back{opts: BackOpts{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}}
	assert.Equal(t, 10*time.Millisecond, p.backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.backoff(2))
	assert.Equal(t, 40*time.Millisecond, p.backoff(3))
	assert.Equal(t, 50*time.Millisecond, p.backoff(4))
	assert.Equal(t, 50*time.Millisecond, p.backoff(30))
}

func TestBack_invalidatesL2(t *testing.T) {
	tiers, l1, l2, l3 := newTiers()
	require.NoError(t, l2.Put(ctx, entry("k", 1)))
	p := NewBack(BackOpts{})

	require.NoError(t, p.Apply(ctx, tiers, entry("k", 2)))
	assert.False(t, l2.Contains(ctx, "k"))
	v, _ := l1.version("k")
	assert.Equal(t, uint64(2), v)

	require.NoError(t, p.Close())
	v, _ = l3.version("k")
	assert.Equal(t, uint64(2), v)
}

func TestBack_dropsOlderCopiesAfterDelivery(t *testing.T) {
	tiers, l1, l2, l3 := newTiers()
	l3.setDown(true)
	p := NewBack(BackOpts{MaxAttempts: 1000, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	defer p.Close()

	require.NoError(t, p.Apply(ctx, tiers, entry("k", 2)))

	// A read promoted the old L3 copy after L1 lost the new one.
	require.NoError(t, l1.Remove(ctx, "k"))
	require.NoError(t, l1.Put(ctx, entry("k", 1)))
	require.NoError(t, l2.Put(ctx, entry("k", 1)))

	l3.setDown(false)
	assert.Eventually(t, func() bool { return p.QueueDepth() == 0 }, time.Second, time.Millisecond)
	v, _ := l3.version("k")
	assert.Equal(t, uint64(2), v)
	assert.False(t, l1.Contains(ctx, "k"))
	assert.False(t, l2.Contains(ctx, "k"))
}

func TestBack_forgetQueued(t *testing.T) {
	tiers, _, _, l3 := newTiers()
	l3.setDown(true)
	p := NewBack(BackOpts{MaxAttempts: 1000, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	require.NoError(t, p.Apply(ctx, tiers, entry("k", 1)))
	require.NoError(t, p.Apply(ctx, tiers, entry("newer", 3)))
	p.Forget("k", 2)
	p.Forget("newer", 2)

	l3.setDown(false)
	require.NoError(t, p.Close())
	assert.False(t, l3.Contains(ctx, "k"))
	v, ok := l3.version("newer")
	assert.True(t, ok, "a newer write survives")
	assert.Equal(t, uint64(3), v)
}

func TestBack_forgetPending(t *testing.T) {
	tiers, _, _, l3 := newTiers()
	l3.setDown(true)
	p := NewBack(BackOpts{MaxAttempts: 1, InitialBackoff: time.Millisecond})
	defer p.Close()

	require.NoError(t, p.Apply(ctx, tiers, entry("k", 1)))
	assert.Eventually(t, func() bool { return p.Pending("k") }, time.Second, time.Millisecond)

	p.Forget("k", 2)
	assert.False(t, p.Pending("k"))

	l3.setDown(false)
	n, err := p.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Eventually(t, func() bool { return p.QueueDepth() == 0 }, time.Second, time.Millisecond)
	assert.False(t, l3.Contains(ctx, "k"))
}

func TestBack_l1FailureIsStillDelivered(t *testing.T) {
	tiers, l1, _, l3 := newTiers()
	l1.setDown(true)
	p := NewBack(BackOpts{})

	err := p.Apply(ctx, tiers, entry("k", 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQueueFull)

	require.NoError(t, p.Close())
	assert.True(t, l3.Contains(ctx, "k"))
}
