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

package writepolicy

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pmkol/tiercache/pkg/cache"
)

// Around is the write-around (durable-only) policy. The write goes to L3
// only. Cached copies in L1 and L2 are removed, not updated.
type Around struct {
	opts ThroughOpts
}

var _ Policy = (*Around)(nil)

// NewAround uses the retry settings of opts for the L3 write.
func NewAround(opts ThroughOpts) *Around {
	opts.Init()
	return &Around{opts: opts}
}

func (p *Around) Kind() Kind {
	return KindAround
}

func (p *Around) Apply(ctx context.Context, t Tiers, e *cache.Entry) error {
	attempts, err := retryPut(ctx, t.L3, e, p.opts.Retries, p.opts.Backoff, p.opts.Logger)
	if err != nil {
		if errors.Is(err, cache.ErrVersionConflict) {
			p.opts.Logger.Debug("stale write discarded", zap.String("key", e.Key), zap.Uint64("version", e.Version))
			return nil
		}
		return &cache.DurabilityFailure{Key: e.Key, Version: e.Version, Tier: cache.TierL3, Attempts: attempts, Err: err}
	}

	// L2 first, a concurrent read could otherwise refill L1 from L2.
	if err := invalidate(ctx, e.Key, t.L2, t.L1); err != nil {
		// The stale copy is older than L3 and expires with the L2 TTL.
		p.opts.Logger.Warn("failed to invalidate cached copy", zap.String("key", e.Key), zap.Error(err))
	}
	return nil
}

func (p *Around) Close() error {
	return nil
}
