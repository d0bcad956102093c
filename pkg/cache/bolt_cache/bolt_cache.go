package bolt_cache

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pmkol/tiercache/pkg/cache"
)

// BoltCache is a durable cache.Backend stored in a single bbolt file.
//
// bbolt has no expiry of its own. Entries written through kv_tier carry
// their expiry in the value header, so the ttl argument is ignored here.
type BoltCache struct {
	db     *bolt.DB
	bucket []byte
}

var _ cache.VersionedBackend = (*BoltCache)(nil)

type Options struct {
	// Bucket is the name of the Bolt bucket to use.
	// Default is "tiercache".
	Bucket string

	// OpenTimeout is how long Open waits for the file lock.
	// Default is 1s.
	OpenTimeout time.Duration
}

// Open initializes or opens a BoltCache at the given path.
func Open(path string, opts Options) (*BoltCache, error) {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, err
	}
	bucket := []byte("tiercache")
	if opts.Bucket != "" {
		bucket = []byte(opts.Bucket)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltCache{db: db, bucket: bucket}, nil
}

// Close closes the underlying database.
func (s *BoltCache) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(s.bucket).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (s *BoltCache) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
}

// PutIfNewer compares and writes in one bbolt write transaction. Write
// transactions are serialized by bbolt, so concurrent writers of one key
// always end with the highest version stored.
func (s *BoltCache) PutIfNewer(ctx context.Context, key string, value []byte, version uint64, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if old := b.Get([]byte(key)); old != nil {
			if ov, ok := cache.PeekVersion(old); ok && ov > version {
				return nil
			}
		}
		applied = true
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Delete removes a key.
func (s *BoltCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Len returns the number of stored keys.
func (s *BoltCache) Len() int {
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	return n
}
