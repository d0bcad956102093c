/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of tiercache.
 *
 * tiercache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tiercache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mem_cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/eviction"
)

// MemCache is the process-local L1 tier. It holds at most Capacity entries
// and evicts one entry chosen by its eviction.Policy before an insert would
// exceed that. It has no TTL.
type MemCache struct {
	mu       sync.Mutex
	closed   bool
	capacity int
	policy   eviction.Policy
	onEvict  func(e *cache.Entry)
	m        map[string]*cache.Entry
}

var _ cache.Tier = (*MemCache)(nil)

type Opts struct {
	// Capacity is the max number of entries. Must be > 0.
	Capacity int

	// Policy defaults to eviction.NewLRU().
	// It must not be shared with another tier.
	Policy eviction.Policy

	// OnEvict is called with the lock held after an entry was evicted for
	// capacity. It must not call back into the MemCache.
	OnEvict func(e *cache.Entry)
}

func NewMemCache(opts Opts) *MemCache {
	if opts.Capacity <= 0 {
		panic(fmt.Sprintf("mem_cache: invalid capacity: %d", opts.Capacity))
	}
	if opts.Policy == nil {
		opts.Policy = eviction.NewLRU()
	}
	return &MemCache{
		capacity: opts.Capacity,
		policy:   opts.Policy,
		onEvict:  opts.OnEvict,
		m:        make(map[string]*cache.Entry, opts.Capacity),
	}
}

func (c *MemCache) ID() cache.TierID {
	return cache.TierL1
}

// Get never blocks on I/O. ctx is ignored.
func (c *MemCache) Get(_ context.Context, key string) (*cache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, cache.ErrClosed
	}

	e, ok := c.m[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	c.policy.OnAccess(key)
	return e.Clone(), nil
}

// Put updates an existing entry in place or inserts a new one, evicting
// first if the cache is full.
func (c *MemCache) Put(_ context.Context, e *cache.Entry) error {
	ne := e.Clone()
	// L1 has no TTL.
	ne.ExpiresAt = time.Time{}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cache.ErrClosed
	}

	if old, ok := c.m[e.Key]; ok {
		if old.Version > e.Version {
			return cache.ErrVersionConflict
		}
		c.m[e.Key] = ne
		c.policy.OnAccess(e.Key)
		return nil
	}

	if len(c.m) >= c.capacity {
		c.evictOne()
	}
	c.m[e.Key] = ne
	c.policy.OnInsert(e.Key)
	return nil
}

func (c *MemCache) evictOne() {
	victim, ok := c.policy.SelectVictim()
	if !ok {
		return
	}
	ve, ok := c.m[victim]
	if !ok {
		return
	}
	delete(c.m, victim)
	if c.onEvict != nil {
		c.onEvict(ve)
	}
}

func (c *MemCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cache.ErrClosed
	}
	if _, ok := c.m[key]; !ok {
		return cache.ErrNotFound
	}
	delete(c.m, key)
	c.policy.OnRemove(key)
	return nil
}

func (c *MemCache) Contains(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[key]
	return ok
}

func (c *MemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *MemCache) Capacity() int {
	return c.capacity
}

// Close drops all entries. Later calls return cache.ErrClosed.
func (c *MemCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.m = nil
	}
	return nil
}
