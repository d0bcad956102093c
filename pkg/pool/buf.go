package pool

import "sync"

// Buffer is a pooled byte slice.
type Buffer struct {
	b []byte
}

var bufPool = sync.Pool{
	New: func() any {
		return new(Buffer)
	},
}

// GetBuf returns a *Buffer whose Bytes() has length size.
// The content is not zeroed. The caller should call Release after use.
func GetBuf(size int) *Buffer {
	buf := bufPool.Get().(*Buffer)
	if cap(buf.b) < size {
		buf.b = make([]byte, size)
	}
	buf.b = buf.b[:size]
	return buf
}

func (b *Buffer) Bytes() []byte {
	return b.b
}

// Release returns b to the pool. b must not be used after this call.
func (b *Buffer) Release() {
	// Don't keep huge buffers around.
	if cap(b.b) > 64*1024 {
		b.b = nil
	}
	bufPool.Put(b)
}
