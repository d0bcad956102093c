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

// LRU evicts the least recently touched key.
type LRU struct {
	keyOrder
}

var _ Policy = (*LRU)(nil)

func NewLRU() *LRU {
	return &LRU{keyOrder: newKeyOrder()}
}

func (p *LRU) OnAccess(key string) {
	p.moveToBack(key)
}

// OnInsert tracks a new key as most recently used. Inserting a tracked key
// counts as an access.
func (p *LRU) OnInsert(key string) {
	if !p.pushBack(key) {
		p.moveToBack(key)
	}
}

func (p *LRU) OnRemove(key string) {
	p.remove(key)
}

func (p *LRU) SelectVictim() (string, bool) {
	return p.popFront()
}
