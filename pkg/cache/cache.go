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

package cache

import (
	"context"
	"io"
	"time"
)

// TierID identifies a level of the hierarchy. TierNone is used as the hit
// tier of a full miss.
type TierID uint8

const (
	TierNone TierID = iota
	TierL1
	TierL2
	TierL3
)

func (t TierID) String() string {
	switch t {
	case TierL1:
		return "l1"
	case TierL2:
		return "l2"
	case TierL3:
		return "l3"
	default:
		return "none"
	}
}

// Entry is a cached value and its metadata.
type Entry struct {
	Key   string
	Value []byte

	// Version increases strictly with every write of Key.
	// A tier never replaces an entry with one of a lower version.
	Version uint64

	// ExpiresAt is zero if the entry never expires.
	ExpiresAt time.Time
}

// Expired reports whether e is expired at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}

// Tier is one level of the cache hierarchy.
type Tier interface {
	ID() TierID

	// Get returns ErrNotFound if key is absent or expired, ErrUnavailable
	// if the tier could not be reached in time.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put inserts or updates e.Key. It returns ErrVersionConflict if the tier
	// holds a higher version. An equal version is accepted, so replaying
	// a write is harmless.
	Put(ctx context.Context, e *Entry) error

	// Remove returns ErrNotFound if the tier knows the key is absent.
	Remove(ctx context.Context, key string) error

	// Contains is for diagnostics only. A Contains followed by Get is
	// not atomic.
	Contains(ctx context.Context, key string) bool

	io.Closer
}

// Backend is the key-value store behind the L2 and L3 adapters.
// Values are opaque to the backend.
type Backend interface {
	// Get reports found == false if the key is absent or expired.
	// A non-nil err means the backend could not answer.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value. ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	io.Closer
}

// VersionedBackend is implemented by backends that can compare the stored
// version with a new one and write in a single atomic step.
// value must be produced by EncodeEntry.
type VersionedBackend interface {
	Backend

	// PutIfNewer stores value unless the stored value has a version higher
	// than version. It reports whether the value was written.
	PutIfNewer(ctx context.Context, key string, value []byte, version uint64, ttl time.Duration) (applied bool, err error)
}
