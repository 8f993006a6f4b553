// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync"

// BytePool recycles fixed-size byte slices.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool builds a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size returns the buffer size this pool hands out.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a full-length buffer from the pool.
func (b *BytePool) GetBuffer() []byte {
	return *b.pool.Get().(*[]byte)
}

// PutBuffer returns a buffer to the pool. Foreign-sized slices are left to
// the GC.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}
