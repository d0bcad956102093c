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
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/pool"
)

// Tiers is the chain a policy writes into.
type Tiers struct {
	L1, L2, L3 cache.Tier
}

// Policy decides how a put propagates across tiers.
type Policy interface {
	Kind() Kind

	// Apply carries out the propagation of e exactly once.
	Apply(ctx context.Context, t Tiers, e *cache.Entry) error

	io.Closer
}

type Kind uint8

const (
	// KindThrough writes every tier before returning.
	KindThrough Kind = iota
	// KindBack writes the fast tiers and delivers to L3 in the background.
	KindBack
	// KindAround writes L3 only and invalidates the fast tiers.
	KindAround
)

func (k Kind) String() string {
	switch k {
	case KindThrough:
		return "through"
	case KindBack:
		return "back"
	case KindAround:
		return "around"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind accepts "through", "back", "around" and their write_ prefixed
// forms. An empty string is through.
func ParseKind(s string) (Kind, error) {
	switch strings.TrimPrefix(strings.ToLower(s), "write_") {
	case "", "through":
		return KindThrough, nil
	case "back":
		return KindBack, nil
	case "around":
		return KindAround, nil
	default:
		return 0, fmt.Errorf("unknown write policy %q", s)
	}
}

// DurabilitySink receives writes that could not be made durable.
type DurabilitySink interface {
	DurabilityFailure(f *cache.DurabilityFailure)
}

// SinkFunc adapts a func to DurabilitySink.
type SinkFunc func(f *cache.DurabilityFailure)

func (f SinkFunc) DurabilityFailure(df *cache.DurabilityFailure) {
	f(df)
}

type nopSink struct{}

func (nopSink) DurabilityFailure(*cache.DurabilityFailure) {}

// retryPut writes e into t up to 1+retries times. It stops early on success,
// on a version conflict and when ctx is done. It returns the number of
// attempts and the last error.
func retryPut(ctx context.Context, t cache.Tier, e *cache.Entry, retries int, backoff time.Duration, lg *zap.Logger) (int, error) {
	var err error
	attempts := 0
	for {
		attempts++
		err = t.Put(ctx, e)
		if err == nil || errors.Is(err, cache.ErrVersionConflict) {
			return attempts, err
		}
		if attempts > retries || ctx.Err() != nil {
			return attempts, err
		}
		lg.Warn("tier write failed, retrying",
			zap.Stringer("tier", t.ID()),
			zap.String("key", e.Key),
			zap.Int("attempt", attempts),
			zap.Error(err))
		if !pool.Sleep(backoff<<(attempts-1), ctx.Done()) {
			return attempts, err
		}
	}
}

// invalidate removes key from tiers. ErrNotFound is success.
// It returns the first other error.
func invalidate(ctx context.Context, key string, tiers ...cache.Tier) error {
	var firstErr error
	for _, t := range tiers {
		if t == nil {
			continue
		}
		if err := t.Remove(ctx, key); err != nil && !errors.Is(err, cache.ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
