package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func values[V any](l *List[V]) []V {
	var out []V
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	return out
}

func TestList(t *testing.T) {
	l := New[int]()
	e1 := l.PushBack(NewElem(1))
	e2 := l.PushBack(NewElem(2))
	l.PushBack(NewElem(3))
	assert.Equal(t, []int{1, 2, 3}, values(l))
	assert.Equal(t, 3, l.Len())

	l.MoveToBack(e1)
	assert.Equal(t, []int{2, 3, 1}, values(l))
	assert.Equal(t, 1, l.Back().Value)

	l.PopElem(e2)
	assert.Equal(t, []int{3, 1}, values(l))
	assert.Equal(t, 2, l.Len())

	assert.Equal(t, 3, l.PopFront().Value)
	assert.Equal(t, 1, l.PopFront().Value)
	assert.Nil(t, l.PopFront())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.Back())
	assert.Equal(t, 0, l.Len())
}

func TestList_foreignElem(t *testing.T) {
	a, b := New[int](), New[int]()
	e := a.PushBack(NewElem(1))
	assert.Panics(t, func() { b.MoveToBack(e) })
	assert.Panics(t, func() { b.PopElem(e) })
	assert.Panics(t, func() { b.PushBack(e) })
}
