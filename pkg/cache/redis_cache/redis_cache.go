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

package redis_cache

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/cache"
)

// ErrDisabled is returned while the client is disabled after a failure.
var ErrDisabled = errors.New("redis temporarily disabled")

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// KeyPrefix is prepended to every key.
	KeyPrefix string

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	opts.Logger = mlog.OrNop(opts.Logger)
	return nil
}

// RedisCache is a cache.Backend backed by redis. Expiry is delegated to
// redis key TTLs.
//
// After a failed call the client is disabled and every call fails fast with
// ErrDisabled until a background ping succeeds.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

var _ cache.VersionedBackend = (*RedisCache)(nil)

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts: opts,
	}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis re-enabled")
				return
			}
		}()
	}
}

// onErr disables the client unless err came from the caller's ctx.
func (r *RedisCache) onErr(ctx context.Context, op string, err error) error {
	if ctx.Err() == nil {
		r.opts.Logger.Warn(op, zap.Error(err))
		r.disableClient()
	}
	return err
}

func (r *RedisCache) key(k string) string {
	return r.opts.KeyPrefix + k
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if r.disabled() {
		return nil, false, ErrDisabled
	}
	b, err := r.opts.Client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, r.onErr(ctx, "redis get", err)
	}
	return b, true, nil
}

// Put stores kv into redis. ttl <= 0 stores the key without expiry.
func (r *RedisCache) Put(ctx context.Context, key string, v []byte, ttl time.Duration) error {
	if r.disabled() {
		return ErrDisabled
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.opts.Client.Set(ctx, r.key(key), v, ttl).Err(); err != nil {
		return r.onErr(ctx, "redis set", err)
	}
	return nil
}

// putIfNewer compares the 8 byte big endian version prefix of the stored
// value with ARGV[1] byte by byte and only writes if the stored one is not
// higher.
var putIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and string.len(cur) >= 8 then
	for i = 1, 8 do
		local a, b = string.byte(cur, i), string.byte(ARGV[1], i)
		if a > b then
			return 0
		end
		if a < b then
			break
		end
	end
end
if tonumber(ARGV[2]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// PutIfNewer atomically stores v unless redis holds a value with a higher
// version. v must start with the header written by cache.EncodeEntry.
func (r *RedisCache) PutIfNewer(ctx context.Context, key string, v []byte, _ uint64, ttl time.Duration) (bool, error) {
	if r.disabled() {
		return false, ErrDisabled
	}
	if _, ok := cache.PeekVersion(v); !ok {
		return false, errors.New("value has no version header")
	}
	n, err := putIfNewer.Run(ctx, r.opts.Client, []string{r.key(key)}, v, ttl.Milliseconds()).Int()
	if err != nil {
		return false, r.onErr(ctx, "redis put if newer", err)
	}
	return n == 1, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if r.disabled() {
		return ErrDisabled
	}
	if err := r.opts.Client.Del(ctx, r.key(key)).Err(); err != nil {
		return r.onErr(ctx, "redis del", err)
	}
	return nil
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (r *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	i, err := r.opts.Client.DBSize(ctx).Result()
	if err != nil {
		r.opts.Logger.Error("dbsize", zap.Error(err))
		return 0
	}
	return int(i)
}
