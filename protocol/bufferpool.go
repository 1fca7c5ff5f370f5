package protocol

import (
	"math/bits"
	"sync"
)

const (
	minBufferSize = 32        // smallest pooled class.
	maxBufferSize = 64 * 1024 // 64KB, larger buffers are not pooled.
)

// bufferPool is a pool of byte slices bucketed by power-of-two capacity.
type bufferPool struct {
	pools []*sync.Pool
}

// Global buffer pool instance.
var globalBufferPool = newBufferPool()

// newBufferPool creates a new buffer pool with classes from 32B to 64KB.
func newBufferPool() *bufferPool {
	bp := &bufferPool{}

	for size := minBufferSize; size <= maxBufferSize; size <<= 1 {
		size := size
		bp.pools = append(bp.pools, &sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		})
	}

	return bp
}

// classIndex returns the pool index for a buffer of at least size bytes.
func classIndex(size int) int {
	if size <= minBufferSize {
		return 0
	}

	return bits.Len(uint(size-1)) - bits.Len(uint(minBufferSize-1))
}

// getBuffer returns a slice of length size. Its capacity is the size class.
func (bp *bufferPool) getBuffer(size int) []byte {
	if size > maxBufferSize {
		return make([]byte, size)
	}

	bufp, _ := bp.pools[classIndex(size)].Get().(*[]byte)
	if bufp == nil {
		return make([]byte, size)
	}

	return (*bufp)[:size]
}

// putBuffer returns a buffer obtained from getBuffer to the pool.
func (bp *bufferPool) putBuffer(buf []byte) {
	c := cap(buf)
	if c < minBufferSize || c > maxBufferSize || c&(c-1) != 0 {
		return // not one of ours.
	}

	buf = buf[:c]
	bp.pools[classIndex(c)].Put(&buf)
}
