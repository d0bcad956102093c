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

package kv_tier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/pool"
	"github.com/pmkol/tiercache/pkg/utils"
)

const lockStripes = 256

type Opts struct {
	// ID must be cache.TierL2 or cache.TierL3.
	ID cache.TierID

	// Backend cannot be nil.
	Backend cache.Backend

	// TTL is attached to every written entry. Zero means entries never
	// expire.
	TTL time.Duration

	// Timeout bounds every backend call. The caller's ctx deadline still
	// applies if it is shorter.
	// Default is 1s.
	Timeout time.Duration

	// Compress stores large values snappy compressed. Entries written with
	// either setting stay readable.
	Compress bool

	// Logger is the *zap.Logger for this tier.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Backend == nil {
		return errors.New("nil backend")
	}
	if opts.ID != cache.TierL2 && opts.ID != cache.TierL3 {
		return fmt.Errorf("invalid tier id %s", opts.ID)
	}
	if opts.TTL < 0 {
		return fmt.Errorf("invalid ttl %s", opts.TTL)
	}
	utils.SetDefaultNum(&opts.Timeout, time.Second)
	opts.Logger = mlog.OrNop(opts.Logger)
	return nil
}

// Tier adapts a cache.Backend to cache.Tier.
//
// Backend absence is ErrNotFound. Every backend error, including a timeout,
// is ErrUnavailable. Writes never replace a higher version: backends that
// implement cache.VersionedBackend compare and write atomically, others are
// serialized per key inside this process.
type Tier struct {
	opts   Opts
	hasher utils.KeyHasher
	locks  [lockStripes]sync.Mutex
}

var _ cache.Tier = (*Tier)(nil)

func New(opts Opts) (*Tier, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Tier{
		opts:   opts,
		hasher: utils.NewKeyHasher(),
	}, nil
}

func (t *Tier) ID() cache.TierID {
	return t.opts.ID
}

func (t *Tier) TTL() time.Duration {
	return t.opts.TTL
}

func (t *Tier) Get(ctx context.Context, key string) (*cache.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()
	return t.get(ctx, key)
}

func (t *Tier) get(ctx context.Context, key string) (*cache.Entry, error) {
	b, found, err := t.opts.Backend.Get(ctx, key)
	if err != nil {
		t.opts.Logger.Warn("backend get", zap.Stringer("tier", t.opts.ID), zap.String("key", key), zap.Error(err))
		return nil, cache.Unavailable(t.opts.ID, "get", err)
	}
	if !found {
		return nil, cache.ErrNotFound
	}
	e, err := cache.DecodeEntry(key, b)
	if err != nil {
		// Corrupted data is as good as absent. The next write replaces it.
		t.opts.Logger.Warn("backend data unpack error", zap.Stringer("tier", t.opts.ID), zap.String("key", key), zap.Error(err))
		return nil, cache.ErrNotFound
	}
	if e.Expired(time.Now()) {
		return nil, cache.ErrNotFound
	}
	return e, nil
}

// Put writes e with the tier's TTL. e.ExpiresAt is ignored.
func (t *Tier) Put(ctx context.Context, e *cache.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	ne := *e
	ne.ExpiresAt = time.Time{}
	if t.opts.TTL > 0 {
		ne.ExpiresAt = time.Now().Add(t.opts.TTL)
	}
	var buf *pool.Buffer
	if t.opts.Compress {
		buf = cache.EncodeEntryCompressed(&ne)
	} else {
		buf = cache.EncodeEntry(&ne)
	}
	defer buf.Release()

	if vb, ok := t.opts.Backend.(cache.VersionedBackend); ok {
		applied, err := vb.PutIfNewer(ctx, e.Key, buf.Bytes(), e.Version, t.opts.TTL)
		if err != nil {
			t.opts.Logger.Warn("backend put", zap.Stringer("tier", t.opts.ID), zap.String("key", e.Key), zap.Error(err))
			return cache.Unavailable(t.opts.ID, "put", err)
		}
		if !applied {
			return cache.ErrVersionConflict
		}
		return nil
	}

	mu := &t.locks[t.hasher.Index(e.Key, lockStripes)]
	mu.Lock()
	defer mu.Unlock()

	old, err := t.get(ctx, e.Key)
	switch {
	case err == nil:
		if old.Version > e.Version {
			return cache.ErrVersionConflict
		}
	case errors.Is(err, cache.ErrNotFound):
	default:
		return err
	}

	if err := t.opts.Backend.Put(ctx, e.Key, buf.Bytes(), t.opts.TTL); err != nil {
		t.opts.Logger.Warn("backend put", zap.Stringer("tier", t.opts.ID), zap.String("key", e.Key), zap.Error(err))
		return cache.Unavailable(t.opts.ID, "put", err)
	}
	return nil
}

// Remove deletes key. The backend contract does not report whether the
// key existed, so Remove never returns ErrNotFound.
func (t *Tier) Remove(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	mu := &t.locks[t.hasher.Index(key, lockStripes)]
	mu.Lock()
	defer mu.Unlock()

	if err := t.opts.Backend.Delete(ctx, key); err != nil {
		t.opts.Logger.Warn("backend delete", zap.Stringer("tier", t.opts.ID), zap.String("key", key), zap.Error(err))
		return cache.Unavailable(t.opts.ID, "remove", err)
	}
	return nil
}

func (t *Tier) Contains(ctx context.Context, key string) bool {
	_, err := t.Get(ctx, key)
	return err == nil
}

// Close closes the backend.
func (t *Tier) Close() error {
	return t.opts.Backend.Close()
}
