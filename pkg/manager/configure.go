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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/cache/kv_tier"
	"github.com/pmkol/tiercache/pkg/cache/mem_cache"
	"github.com/pmkol/tiercache/pkg/eviction"
	"github.com/pmkol/tiercache/pkg/utils"
	"github.com/pmkol/tiercache/pkg/writepolicy"
)

const (
	defaultL1Capacity = 4096
	defaultL2TTL      = 5 * time.Minute
)

// Config selects the strategies and bounds of a hierarchy.
type Config struct {
	Eviction eviction.Kind
	Write    writepolicy.Kind

	// Default is 4096.
	L1Capacity int

	// L2TTL is attached to every L2 entry. L3 entries never expire.
	// Default is 5m.
	L2TTL time.Duration

	// Per call timeouts of L2 and L3. See kv_tier.Opts.
	L2Timeout time.Duration
	L3Timeout time.Duration

	// Snappy compression of large L2 and L3 values.
	L2Compress bool
	L3Compress bool

	// Options of the write policy selected by Write. Their Logger is
	// overwritten. Back.Sink, if set, is called after the manager's own
	// reporting.
	Through writepolicy.ThroughOpts
	Back    writepolicy.BackOpts
}

func (cfg *Config) Init() error {
	if cfg.L1Capacity < 0 {
		return fmt.Errorf("invalid l1 capacity %d", cfg.L1Capacity)
	}
	if cfg.L2TTL < 0 {
		return fmt.Errorf("invalid l2 ttl %s", cfg.L2TTL)
	}
	utils.SetDefaultNum(&cfg.L1Capacity, defaultL1Capacity)
	utils.SetDefaultNum(&cfg.L2TTL, defaultL2TTL)
	return nil
}

// Configure builds L1 from cfg, wraps l2 and l3 into tiers and returns a
// Manager over them with a fresh Metrics. The Manager owns l2 and l3 and
// closes them on Close. On error, neither is closed.
func Configure(cfg Config, l2, l3 cache.Backend, lg *zap.Logger) (*Manager, error) {
	if err := cfg.Init(); err != nil {
		return nil, err
	}
	lg = mlog.OrNop(lg)
	metrics := NewMetrics()

	t2, err := kv_tier.New(kv_tier.Opts{
		ID:       cache.TierL2,
		Backend:  l2,
		TTL:      cfg.L2TTL,
		Timeout:  cfg.L2Timeout,
		Compress: cfg.L2Compress,
		Logger:   lg.Named("l2"),
	})
	if err != nil {
		return nil, fmt.Errorf("l2: %w", err)
	}
	t3, err := kv_tier.New(kv_tier.Opts{
		ID:       cache.TierL3,
		Backend:  l3,
		Timeout:  cfg.L3Timeout,
		Compress: cfg.L3Compress,
		Logger:   lg.Named("l3"),
	})
	if err != nil {
		return nil, fmt.Errorf("l3: %w", err)
	}
	t1 := mem_cache.NewMemCache(mem_cache.Opts{
		Capacity: cfg.L1Capacity,
		Policy:   eviction.New(cfg.Eviction),
		OnEvict:  func(*cache.Entry) { metrics.evicted() },
	})

	var wp writepolicy.Policy
	switch cfg.Write {
	case writepolicy.KindThrough:
		opts := cfg.Through
		opts.Logger = lg.Named("write_through")
		wp = writepolicy.NewThrough(opts)
	case writepolicy.KindAround:
		opts := cfg.Through
		opts.Logger = lg.Named("write_around")
		wp = writepolicy.NewAround(opts)
	case writepolicy.KindBack:
		opts := cfg.Back
		opts.Logger = lg.Named("write_back")
		opts.Sink = durabilitySink(lg, metrics, cfg.Back.Sink)
		wp = writepolicy.NewBack(opts)
	default:
		return nil, errors.New("unknown write policy " + cfg.Write.String())
	}

	return New(Opts{
		L1:      t1,
		L2:      t2,
		L3:      t3,
		Write:   wp,
		Metrics: metrics,
		Logger:  lg,
	})
}

func durabilitySink(lg *zap.Logger, m *Metrics, next writepolicy.DurabilitySink) writepolicy.DurabilitySink {
	return writepolicy.SinkFunc(func(f *cache.DurabilityFailure) {
		m.durabilityFailure()
		lg.Error("write is not durable",
			zap.String("key", f.Key),
			zap.Uint64("version", f.Version),
			zap.Stringer("tier", f.Tier),
			zap.Int("attempts", f.Attempts),
			zap.Error(f.Err))
		if next != nil {
			next.DurabilityFailure(f)
		}
	})
}
