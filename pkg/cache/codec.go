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
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/pmkol/tiercache/pkg/pool"
)

// HeaderLen is the size of the header written by EncodeEntry.
// Layout: version (uint64) | expiresAt unix nano (int64, 0 = never) |
// flags (uint8) | value.
// All integers are big endian, so comparing the first 8 bytes
// lexicographically compares versions.
const HeaderLen = 17

const (
	flagSnappy uint8 = 1 << iota
)

// Values shorter than this are never compressed.
const minCompressLen = 64

var errShortValue = errors.New("value is too short")

// EncodeEntry packs e into a pooled buffer.
// The returned buffer should be released by the caller.
func EncodeEntry(e *Entry) *pool.Buffer {
	return encode(e, 0, e.Value)
}

// EncodeEntryCompressed is like EncodeEntry but stores the value snappy
// compressed if that makes it smaller.
func EncodeEntryCompressed(e *Entry) *pool.Buffer {
	if len(e.Value) < minCompressLen {
		return EncodeEntry(e)
	}
	tmp := pool.GetBuf(snappy.MaxEncodedLen(len(e.Value)))
	defer tmp.Release()
	c := snappy.Encode(tmp.Bytes(), e.Value)
	if len(c) >= len(e.Value) {
		return EncodeEntry(e)
	}
	return encode(e, flagSnappy, c)
}

func encode(e *Entry, flags uint8, v []byte) *pool.Buffer {
	buf := pool.GetBuf(HeaderLen + len(v))
	b := buf.Bytes()
	binary.BigEndian.PutUint64(b[:8], e.Version)
	var exp int64
	if !e.ExpiresAt.IsZero() {
		exp = e.ExpiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(b[8:16], uint64(exp))
	b[16] = flags
	copy(b[HeaderLen:], v)
	return buf
}

// DecodeEntry unpacks b. The returned entry does not share memory with b.
func DecodeEntry(key string, b []byte) (*Entry, error) {
	if len(b) < HeaderLen {
		return nil, errShortValue
	}
	e := &Entry{
		Key:     key,
		Version: binary.BigEndian.Uint64(b[:8]),
	}
	if exp := int64(binary.BigEndian.Uint64(b[8:16])); exp != 0 {
		e.ExpiresAt = time.Unix(0, exp)
	}
	switch flags := b[16]; flags {
	case 0:
		e.Value = append([]byte(nil), b[HeaderLen:]...)
	case flagSnappy:
		v, err := snappy.Decode(nil, b[HeaderLen:])
		if err != nil {
			return nil, fmt.Errorf("failed to decompress value, %w", err)
		}
		e.Value = v
	default:
		return nil, fmt.Errorf("unknown value flags %#x", flags)
	}
	return e, nil
}

// PeekVersion returns the version of an encoded entry.
func PeekVersion(b []byte) (uint64, bool) {
	if len(b) < HeaderLen {
		return 0, false
	}
	return binary.BigEndian.Uint64(b[:8]), true
}
