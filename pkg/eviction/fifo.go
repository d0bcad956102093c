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

// FIFO evicts the oldest inserted key. Reads do not change the order.
type FIFO struct {
	keyOrder
}

var _ Policy = (*FIFO)(nil)

func NewFIFO() *FIFO {
	return &FIFO{keyOrder: newKeyOrder()}
}

func (p *FIFO) OnAccess(string) {}

// OnInsert keeps the position of an already tracked key.
func (p *FIFO) OnInsert(key string) {
	p.pushBack(key)
}

func (p *FIFO) OnRemove(key string) {
	p.remove(key)
}

func (p *FIFO) SelectVictim() (string, bool) {
	return p.popFront()
}
