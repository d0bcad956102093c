package coremain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/tiercache/pkg/cache"
	"github.com/pmkol/tiercache/pkg/cache/bolt_cache"
	"github.com/pmkol/tiercache/pkg/cache/map_cache"
	"github.com/pmkol/tiercache/pkg/cache/redis_cache"
	"github.com/pmkol/tiercache/pkg/cache/sql_cache"
	"github.com/pmkol/tiercache/pkg/manager"
	"github.com/pmkol/tiercache/pkg/utils"
)

const memoryCleanerInterval = 2 * time.Minute

func openL2(ctx context.Context, cfg L2Config, lg *zap.Logger) (cache.Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "redis":
		client, err := redis_cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		rc, err := redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:       client,
			ClientCloser: client,
			KeyPrefix:    cfg.KeyPrefix,
			Logger:       lg,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		return rc, nil
	case "memory":
		return map_cache.NewMapCache(memoryCleanerInterval), nil
	default:
		return nil, fmt.Errorf("unknown l2 driver %q", cfg.Driver)
	}
}

func openL3(ctx context.Context, cfg L3Config, lg *zap.Logger) (cache.Backend, error) {
	switch d := strings.ToLower(cfg.Driver); d {
	case "", "bolt":
		utils.SetDefaultString(&cfg.Path, "tiercache.db")
		return bolt_cache.Open(cfg.Path, bolt_cache.Options{Bucket: cfg.Table})
	case "memory":
		return map_cache.NewMapCache(0), nil
	default:
		dialect, err := sql_cache.ParseDialect(d)
		if err != nil {
			return nil, fmt.Errorf("unknown l3 driver %q", cfg.Driver)
		}
		if len(cfg.DSN) == 0 {
			return nil, fmt.Errorf("l3 driver %s requires a dsn", d)
		}
		return sql_cache.Open(ctx, cfg.DSN, sql_cache.Opts{
			Dialect: dialect,
			Table:   cfg.Table,
			Logger:  lg,
		})
	}
}

// openManager opens the backends named by cfg and builds a Manager over
// them. The Manager owns the backends.
func openManager(ctx context.Context, cfg *Config, lg *zap.Logger) (*manager.Manager, error) {
	mc, err := cfg.managerConfig()
	if err != nil {
		return nil, err
	}
	l2, err := openL2(ctx, cfg.L2, lg.Named("l2"))
	if err != nil {
		return nil, fmt.Errorf("failed to open l2, %w", err)
	}
	l3, err := openL3(ctx, cfg.L3, lg.Named("l3"))
	if err != nil {
		l2.Close()
		return nil, fmt.Errorf("failed to open l3, %w", err)
	}
	m, err := manager.Configure(mc, l2, l3, lg)
	if err != nil {
		l2.Close()
		l3.Close()
		return nil, err
	}
	return m, nil
}
