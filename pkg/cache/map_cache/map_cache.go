package map_cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmkol/tiercache/pkg/cache"
)

const defaultCleanerInterval = time.Minute

// MapCache is an in-process cache.Backend with per-key TTL. It stands in for
// a shared store in single-process deployments and tests.
type MapCache struct {
	closed           uint32
	closeCleanerChan chan struct{}

	mu sync.RWMutex
	m  map[string]elem
}

var _ cache.VersionedBackend = (*MapCache)(nil)

type elem struct {
	v      []byte
	expire int64 // unix nano, 0 = never
}

// NewMapCache returns a MapCache. If cleanerInterval > 0, expired keys are
// removed in the background at that interval.
func NewMapCache(cleanerInterval time.Duration) *MapCache {
	c := &MapCache{
		closeCleanerChan: make(chan struct{}),
		m:                make(map[string]elem),
	}
	if cleanerInterval > 0 {
		go c.startCleaner(cleanerInterval)
	}
	return c
}

func (c *MapCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MapCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MapCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.check(ctx); err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || e.expired(time.Now().UnixNano()) {
		return nil, false, nil
	}
	return append([]byte(nil), e.v...), true, nil
}

func (c *MapCache) Put(ctx context.Context, key string, v []byte, ttl time.Duration) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.m[key] = newElem(v, ttl)
	c.mu.Unlock()
	return nil
}

func (c *MapCache) PutIfNewer(ctx context.Context, key string, v []byte, version uint64, ttl time.Duration) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.m[key]; ok && !old.expired(time.Now().UnixNano()) {
		if ov, ok := cache.PeekVersion(old.v); ok && ov > version {
			return false, nil
		}
	}
	c.m[key] = newElem(v, ttl)
	return true, nil
}

func (c *MapCache) Delete(ctx context.Context, key string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
	return nil
}

func (c *MapCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func (c *MapCache) check(ctx context.Context) error {
	if c.isClosed() {
		return cache.ErrClosed
	}
	return ctx.Err()
}

func newElem(v []byte, ttl time.Duration) elem {
	e := elem{v: append([]byte(nil), v...)}
	if ttl > 0 {
		e.expire = time.Now().Add(ttl).UnixNano()
	}
	return e
}

func (e elem) expired(now int64) bool {
	return e.expire != 0 && now >= e.expire
}

func (c *MapCache) startCleaner(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			c.mu.Lock()
			for k, e := range c.m {
				if e.expired(now) {
					delete(c.m, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
