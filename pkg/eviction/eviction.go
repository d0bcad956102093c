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

package eviction

import (
	"fmt"
	"strings"

	"github.com/pmkol/tiercache/pkg/list"
)

// Policy chooses which key a bounded tier drops when it is full.
// Implementations are not safe for concurrent use; the owning tier
// serializes calls.
type Policy interface {
	// OnAccess is called on every hit, including updates of an
	// existing key.
	OnAccess(key string)

	// OnInsert is called when key is added to the tier.
	OnInsert(key string)

	// OnRemove is called when key is removed explicitly.
	OnRemove(key string)

	// SelectVictim removes and returns the next key to evict.
	// ok is false if no key is tracked.
	SelectVictim() (key string, ok bool)

	Len() int
}

type Kind uint8

const (
	KindLRU Kind = iota
	KindFIFO
)

func (k Kind) String() string {
	switch k {
	case KindLRU:
		return "lru"
	case KindFIFO:
		return "fifo"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses "lru" or "fifo". An empty string is lru.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "lru":
		return KindLRU, nil
	case "fifo":
		return KindFIFO, nil
	default:
		return 0, fmt.Errorf("unknown eviction policy %q", s)
	}
}

// New returns a new, empty policy of kind k.
func New(k Kind) Policy {
	switch k {
	case KindFIFO:
		return NewFIFO()
	default:
		return NewLRU()
	}
}

// keyOrder is a list of keys with O(1) lookup. Front is the next victim.
type keyOrder struct {
	l *list.List[string]
	m map[string]*list.Elem[string]
}

func newKeyOrder() keyOrder {
	return keyOrder{
		l: list.New[string](),
		m: make(map[string]*list.Elem[string]),
	}
}

// pushBack adds key at the back. It reports false if key is already tracked.
func (o *keyOrder) pushBack(key string) bool {
	if _, ok := o.m[key]; ok {
		return false
	}
	o.m[key] = o.l.PushBack(list.NewElem(key))
	return true
}

func (o *keyOrder) moveToBack(key string) {
	if e, ok := o.m[key]; ok {
		o.l.MoveToBack(e)
	}
}

func (o *keyOrder) remove(key string) {
	if e, ok := o.m[key]; ok {
		o.l.PopElem(e)
		delete(o.m, key)
	}
}

func (o *keyOrder) popFront() (string, bool) {
	e := o.l.PopFront()
	if e == nil {
		return "", false
	}
	delete(o.m, e.Value)
	return e.Value, true
}

func (o *keyOrder) Len() int {
	return o.l.Len()
}
