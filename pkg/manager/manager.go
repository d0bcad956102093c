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

package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/utils"
	"github.com/pmkol/tiercache/pkg/writepolicy"
)

const guardStripes = 256

var ErrEmptyKey = errors.New("empty key")

type Opts struct {
	// L1, L2 and L3 cannot be nil. Their ID must match their position.
	L1, L2, L3 cache.Tier

	// Write defaults to a write-through policy with default options.
	Write writepolicy.Policy

	// Metrics is optional.
	Metrics *Metrics

	// Logger is the *zap.Logger for the manager.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	for want, t := range map[cache.TierID]cache.Tier{cache.TierL1: opts.L1, cache.TierL2: opts.L2, cache.TierL3: opts.L3} {
		if t == nil {
			return fmt.Errorf("nil %s tier", want)
		}
		if t.ID() != want {
			return fmt.Errorf("tier %s configured as %s", t.ID(), want)
		}
	}
	opts.Logger = mlog.OrNop(opts.Logger)
	if opts.Write == nil {
		opts.Write = writepolicy.NewThrough(writepolicy.ThroughOpts{Logger: opts.Logger})
	}
	return nil
}

// Manager is the only entry point to the hierarchy. Reads walk L1, L2, L3
// and promote hits into the faster tiers. Writes are handed to the write
// policy exactly once.
type Manager struct {
	opts  Opts
	tiers writepolicy.Tiers
	lg    *zap.Logger

	clock  versionClock
	l3sf   singleflight.Group
	hasher utils.KeyHasher
	guards [guardStripes]promoteGuard

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

func New(opts Opts) (*Manager, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	m := &Manager{
		opts:  opts,
		tiers: writepolicy.Tiers{L1: opts.L1, L2: opts.L2, L3: opts.L3},
		lg:     opts.Logger,
		hasher: utils.NewKeyHasher(),
	}
	if qd, ok := opts.Write.(interface{ QueueDepth() int }); ok {
		opts.Metrics.setQueueDepthFunc(qd.QueueDepth)
	}
	return m, nil
}

// Get returns the value of key and the tier that answered.
// A miss returns (nil, cache.TierNone). An unreachable tier is a miss.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, cache.TierID) {
	e, hit := m.GetEntry(ctx, key)
	if e == nil {
		return nil, hit
	}
	return e.Value, hit
}

// GetEntry is like Get but returns the whole entry.
func (m *Manager) GetEntry(ctx context.Context, key string) (*cache.Entry, cache.TierID) {
	if m.closed.Load() {
		return nil, cache.TierNone
	}
	gen := m.guard(key).gen.Load()

	e, err := m.opts.L1.Get(ctx, key)
	if err == nil {
		m.opts.Metrics.hit(cache.TierL1)
		return e, cache.TierL1
	}
	m.missed(cache.TierL1, key, err)

	e, err = m.opts.L2.Get(ctx, key)
	if err == nil {
		m.opts.Metrics.hit(cache.TierL2)
		m.promote(ctx, e, gen, m.opts.L1)
		return e, cache.TierL2
	}
	m.missed(cache.TierL2, key, err)

	// Concurrent misses of one key share a single L3 read and promotion.
	// The shared read is bounded by the tier timeout only. Each caller
	// stops waiting at its own deadline.
	sctx := context.WithoutCancel(ctx)
	ch := m.l3sf.DoChan(key, func() (any, error) {
		e, err := m.opts.L3.Get(sctx, key)
		if err != nil {
			return nil, err
		}
		m.promote(sctx, e, gen, m.opts.L2, m.opts.L1)
		return e, nil
	})
	select {
	case r := <-ch:
		err = r.Err
		if err == nil {
			m.opts.Metrics.hit(cache.TierL3)
			return r.Val.(*cache.Entry).Clone(), cache.TierL3
		}
	case <-ctx.Done():
		err = cache.Unavailable(cache.TierL3, "get", ctx.Err())
	}
	m.missed(cache.TierL3, key, err)
	m.opts.Metrics.fullMiss()
	return nil, cache.TierNone
}

func (m *Manager) missed(t cache.TierID, key string, err error) {
	if errors.Is(err, cache.ErrNotFound) {
		m.opts.Metrics.miss(t, false)
		return
	}
	m.opts.Metrics.miss(t, true)
	m.lg.Warn("tier read failed, treated as miss",
		zap.Stringer("tier", t), zap.String("key", key), zap.Error(err))
}

// promote copies e into tiers, slowest first. It stops at the first tier
// that holds a newer version, since every tier above it may too.
// Other failures are logged and promotion continues. Nothing is promoted
// if key was removed or invalidated since gen was read.
func (m *Manager) promote(ctx context.Context, e *cache.Entry, gen uint64, tiers ...cache.Tier) {
	g := m.guard(e.Key)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.gen.Load() != gen {
		m.lg.Debug("promotion skipped, key changed meanwhile", zap.String("key", e.Key))
		return
	}
	for _, t := range tiers {
		err := t.Put(ctx, e.Clone())
		switch {
		case err == nil:
			m.opts.Metrics.promoted(t.ID())
		case errors.Is(err, cache.ErrVersionConflict):
			m.opts.Metrics.conflict()
			m.lg.Debug("promotion superseded by a newer version",
				zap.Stringer("tier", t.ID()), zap.String("key", e.Key), zap.Uint64("version", e.Version))
			return
		default:
			m.lg.Warn("promotion failed",
				zap.Stringer("tier", t.ID()), zap.String("key", e.Key), zap.Error(err))
		}
	}
}

// Put writes value under key with a new version, following the write
// policy. A *cache.DurabilityFailure means the value may be visible in the
// fast tiers only until it is invalidated or overwritten.
func (m *Manager) Put(ctx context.Context, key string, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if m.closed.Load() {
		return cache.ErrClosed
	}
	e := &cache.Entry{
		Key:     key,
		Value:   append([]byte(nil), value...),
		Version: m.clock.next(),
	}
	err := m.opts.Write.Apply(ctx, m.tiers, e)
	if errors.Is(err, cache.ErrDurability) {
		m.opts.Metrics.durabilityFailure()
	}
	if err == nil && m.opts.Write.Kind() == writepolicy.KindAround {
		// Drop copies promoted between the policy's invalidation and now.
		if ferr := m.fence(ctx, key, nil); ferr != nil {
			m.lg.Warn("failed to invalidate promoted copy", zap.String("key", key), zap.Error(ferr))
		}
	}
	return err
}

// Remove deletes key from every tier, L3 first. Every tier is attempted.
// If some tiers failed it returns a *cache.PartialRemoveError naming them.
func (m *Manager) Remove(ctx context.Context, key string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if m.closed.Load() {
		return cache.ErrClosed
	}
	// Deferred writes older than this remove must not reach L3 afterwards.
	if f, ok := m.opts.Write.(interface{ Forget(key string, version uint64) }); ok {
		f.Forget(key, m.clock.next())
	}
	var pe cache.PartialRemoveError
	if err := m.opts.L3.Remove(ctx, key); err != nil && !errors.Is(err, cache.ErrNotFound) {
		pe.Failed = append(pe.Failed, cache.TierL3)
		pe.Errs = append(pe.Errs, err)
	}
	m.fence(ctx, key, &pe)
	if len(pe.Failed) > 0 {
		m.lg.Warn("remove incomplete", zap.String("key", key), zap.Error(&pe))
		return &pe
	}
	return nil
}

// promoteGuard orders promotions of a key against removals of it.
type promoteGuard struct {
	mu  sync.RWMutex
	gen atomic.Uint64
}

func (m *Manager) guard(key string) *promoteGuard {
	return &m.guards[m.hasher.Index(key, guardStripes)]
}

// fence removes key from L2 and L1 and makes promotions that started
// before it a no-op. Failures are added to pe if it is not nil.
// It returns the first failure.
func (m *Manager) fence(ctx context.Context, key string, pe *cache.PartialRemoveError) error {
	g := m.guard(key)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen.Add(1)

	var firstErr error
	for _, t := range []cache.Tier{m.opts.L2, m.opts.L1} {
		err := t.Remove(ctx, key)
		if err == nil || errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if pe != nil {
			pe.Failed = append(pe.Failed, t.ID())
			pe.Errs = append(pe.Errs, err)
		}
	}
	return firstErr
}

// Contains reports which tiers currently hold key. For diagnostics only.
func (m *Manager) Contains(ctx context.Context, key string) []cache.TierID {
	var in []cache.TierID
	for _, t := range []cache.Tier{m.opts.L1, m.opts.L2, m.opts.L3} {
		if t.Contains(ctx, key) {
			in = append(in, t.ID())
		}
	}
	return in
}

// Reconcile retries writes that the write policy failed to make durable.
// It returns the number of writes still pending. Policies without
// deferred writes report 0.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	if r, ok := m.opts.Write.(interface {
		Reconcile(ctx context.Context) (int, error)
	}); ok {
		return r.Reconcile(ctx)
	}
	return 0, nil
}

func (m *Manager) WritePolicy() writepolicy.Kind {
	return m.opts.Write.Kind()
}

// Metrics returns the metrics passed in Opts, which may be nil.
func (m *Manager) Metrics() *Metrics {
	return m.opts.Metrics
}

// Close flushes the write policy, then closes L1, L2 and L3.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		errs := []error{m.opts.Write.Close()}
		for _, t := range []cache.Tier{m.opts.L1, m.opts.L2, m.opts.L3} {
			errs = append(errs, t.Close())
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

// versionClock hands out strictly increasing versions. Versions follow the
// wall clock when it moves forward, so they stay ordered across restarts.
type versionClock struct {
	last atomic.Uint64
}

func (c *versionClock) next() uint64 {
	for {
		last := c.last.Load()
		n := uint64(time.Now().UnixNano())
		if n <= last {
			n = last + 1
		}
		if c.last.CompareAndSwap(last, n) {
			return n
		}
	}
}
