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
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/utils"
)

type ThroughOpts struct {
	// Retries is the number of extra attempts per failed tier.
	// Default is 2. A negative value disables retries.
	Retries int

	// Backoff is the delay before the first retry, doubled every retry.
	// Default is 10ms.
	Backoff time.Duration

	Logger *zap.Logger
}

func (opts *ThroughOpts) Init() {
	if opts.Retries < 0 {
		opts.Retries = 0
	} else {
		utils.SetDefaultNum(&opts.Retries, 2)
	}
	utils.SetDefaultNum(&opts.Backoff, 10*time.Millisecond)
	opts.Logger = mlog.OrNop(opts.Logger)
}

// Through is the immediate-everywhere policy.
//
// Tiers are written L3, L2, L1 so a fast tier never holds a value the
// durable tier lacks. A failed tier is retried before Apply gives up with a
// *cache.DurabilityFailure; in that case the copies above the failed tier
// are invalidated.
type Through struct {
	opts ThroughOpts
}

var _ Policy = (*Through)(nil)

func NewThrough(opts ThroughOpts) *Through {
	opts.Init()
	return &Through{opts: opts}
}

func (p *Through) Kind() Kind {
	return KindThrough
}

func (p *Through) Apply(ctx context.Context, t Tiers, e *cache.Entry) error {
	chain := []cache.Tier{t.L3, t.L2, t.L1}
	for i, tier := range chain {
		attempts, err := retryPut(ctx, tier, e, p.opts.Retries, p.opts.Backoff, p.opts.Logger)
		if err == nil {
			continue
		}
		if errors.Is(err, cache.ErrVersionConflict) {
			if tier.ID() == cache.TierL3 {
				// A newer write already reached the durable tier.
				// Ours is superseded and must not reach the fast tiers.
				p.opts.Logger.Debug("stale write discarded", zap.String("key", e.Key), zap.Uint64("version", e.Version))
				return nil
			}
			continue
		}

		if ierr := invalidate(ctx, e.Key, chain[i+1:]...); ierr != nil {
			p.opts.Logger.Warn("failed to invalidate after write failure", zap.String("key", e.Key), zap.Error(ierr))
		}
		return &cache.DurabilityFailure{
			Key:      e.Key,
			Version:  e.Version,
			Tier:     tier.ID(),
			Attempts: attempts,
			Err:      err,
		}
	}
	return nil
}

func (p *Through) Close() error {
	return nil
}
