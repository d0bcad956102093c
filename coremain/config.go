package coremain

import (
	"fmt"
	"time"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/cache/redis_cache"
	"github.com/pmkol/tiercache/pkg/eviction"
	"github.com/pmkol/tiercache/pkg/manager"
	"github.com/pmkol/tiercache/pkg/utils"
	"github.com/pmkol/tiercache/pkg/writepolicy"
)

type Config struct {
	Log   mlog.LogConfig `yaml:"log"`
	L1    L1Config       `yaml:"l1"`
	L2    L2Config       `yaml:"l2"`
	L3    L3Config       `yaml:"l3"`
	Write WriteConfig    `yaml:"write"`
	API   APIConfig      `yaml:"api"`
}

type L1Config struct {
	// Capacity is the max number of entries. Default is 4096.
	Capacity int `yaml:"capacity"`
	// Eviction is "lru" (default) or "fifo".
	Eviction string `yaml:"eviction"`
}

type L2Config struct {
	// Driver is "redis" (default) or "memory".
	Driver string `yaml:"driver"`
	// TTL in seconds. Default is 300.
	TTL       int    `yaml:"ttl"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Compress  bool   `yaml:"compress"`
	KeyPrefix string `yaml:"key_prefix"`

	Redis redis_cache.ClientConfig `yaml:"redis"`
}

type L3Config struct {
	// Driver is "bolt" (default), "sqlite", "postgres" or "memory".
	Driver string `yaml:"driver"`
	// Path of the bolt file. Default is "tiercache.db".
	Path string `yaml:"path"`
	// DSN of the sql database.
	DSN string `yaml:"dsn"`
	// Table is the sql table, or the bolt bucket.
	Table     string `yaml:"table"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Compress  bool   `yaml:"compress"`
}

type WriteConfig struct {
	// Policy is "through" (default), "back" or "around".
	Policy string `yaml:"policy"`

	// through and around
	Retries   int `yaml:"retries"`
	BackoffMs int `yaml:"backoff_ms"`

	// back
	Workers          int  `yaml:"workers"`
	QueueSize        int  `yaml:"queue_size"`
	MaxAttempts      int  `yaml:"max_attempts"`
	InitialBackoffMs int  `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int  `yaml:"max_backoff_ms"`
	WriteL2          bool `yaml:"write_l2"`

	// ReconcileCron schedules retries of writes that are not durable yet,
	// in cron syntax, e.g. "@every 5m". Empty disables it.
	ReconcileCron string `yaml:"reconcile_cron"`
}

type APIConfig struct {
	// HTTP is the listen address of the api. Empty disables the api.
	HTTP string `yaml:"http"`

	Cert          string   `yaml:"cert"`
	Key           string   `yaml:"key"`
	ProxyProtocol bool     `yaml:"proxy_protocol"`
	SrcIPHeader   string   `yaml:"src_ip_header"`
	Allow         []string `yaml:"allow"`
	MaxValueSize  int64    `yaml:"max_value_size"`
	// IdleTimeout in seconds.
	IdleTimeout int  `yaml:"idle_timeout"`
	Pprof       bool `yaml:"pprof"`
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// managerConfig converts the hierarchy part of c.
func (c *Config) managerConfig() (manager.Config, error) {
	ev, err := eviction.ParseKind(c.L1.Eviction)
	if err != nil {
		return manager.Config{}, fmt.Errorf("invalid l1 config, %w", err)
	}
	wp, err := writepolicy.ParseKind(c.Write.Policy)
	if err != nil {
		return manager.Config{}, fmt.Errorf("invalid write config, %w", err)
	}
	if err := utils.CheckNumRange(c.Write.Workers, 0, 256); err != nil {
		return manager.Config{}, fmt.Errorf("invalid write.workers, %w", err)
	}
	if c.Write.ReconcileCron != "" && wp != writepolicy.KindBack {
		return manager.Config{}, fmt.Errorf("reconcile_cron requires the back write policy, got %s", wp)
	}
	return manager.Config{
		Eviction:   ev,
		Write:      wp,
		L1Capacity: c.L1.Capacity,
		L2TTL:      time.Duration(c.L2.TTL) * time.Second,
		L2Timeout:  ms(c.L2.TimeoutMs),
		L3Timeout:  ms(c.L3.TimeoutMs),
		L2Compress: c.L2.Compress,
		L3Compress: c.L3.Compress,
		Through: writepolicy.ThroughOpts{
			Retries: c.Write.Retries,
			Backoff: ms(c.Write.BackoffMs),
		},
		Back: writepolicy.BackOpts{
			Workers:        c.Write.Workers,
			QueueSize:      c.Write.QueueSize,
			MaxAttempts:    c.Write.MaxAttempts,
			InitialBackoff: ms(c.Write.InitialBackoffMs),
			MaxBackoff:     ms(c.Write.MaxBackoffMs),
			WriteL2:        c.Write.WriteL2,
		},
	}, nil
}
