package writepolicy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pmkol/tiercache/pkg/cache"
)

var errDown = errors.New("backend down")

// fakeTier is a map backed cache.Tier with failure injection.
type fakeTier struct {
	id cache.TierID

	mu        sync.Mutex
	m         map[string]*cache.Entry
	failPuts  int  // fail this many puts, then succeed
	down      bool // fail everything
	puts      int
	removes   int
	putLog    []string
	putSignal chan struct{}
}

func newFakeTier(id cache.TierID) *fakeTier {
	return &fakeTier{id: id, m: make(map[string]*cache.Entry)}
}

func (t *fakeTier) ID() cache.TierID { return t.id }

func (t *fakeTier) Get(_ context.Context, key string) (*cache.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return nil, cache.Unavailable(t.id, "get", errDown)
	}
	e, ok := t.m[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return e.Clone(), nil
}

func (t *fakeTier) Put(_ context.Context, e *cache.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.puts++
	if t.putSignal != nil {
		defer func() {
			select {
			case t.putSignal <- struct{}{}:
			default:
			}
		}()
	}
	if t.down {
		return cache.Unavailable(t.id, "put", errDown)
	}
	if t.failPuts > 0 {
		t.failPuts--
		return cache.Unavailable(t.id, "put", errDown)
	}
	if old, ok := t.m[e.Key]; ok && old.Version > e.Version {
		return cache.ErrVersionConflict
	}
	t.m[e.Key] = e.Clone()
	t.putLog = append(t.putLog, fmt.Sprintf("%s@%d", e.Key, e.Version))
	return nil
}

func (t *fakeTier) Remove(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removes++
	if t.down {
		return cache.Unavailable(t.id, "remove", errDown)
	}
	if _, ok := t.m[key]; !ok {
		return cache.ErrNotFound
	}
	delete(t.m, key)
	return nil
}

func (t *fakeTier) Contains(_ context.Context, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[key]
	return ok
}

func (t *fakeTier) Close() error { return nil }

func (t *fakeTier) setDown(v bool) {
	t.mu.Lock()
	t.down = v
	t.mu.Unlock()
}

func (t *fakeTier) stats() (puts, removes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.puts, t.removes
}

func (t *fakeTier) version(key string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[key]
	if !ok {
		return 0, false
	}
	return e.Version, true
}

func newTiers() (Tiers, *fakeTier, *fakeTier, *fakeTier) {
	l1, l2, l3 := newFakeTier(cache.TierL1), newFakeTier(cache.TierL2), newFakeTier(cache.TierL3)
	return Tiers{L1: l1, L2: l2, L3: l3}, l1, l2, l3
}
