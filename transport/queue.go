package transport

// nextPow2Uint64 returns the smallest power of two >= v with a minimum of 1.
func nextPow2Uint64(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// queue is a FIFO circular buffer that doubles its capacity when full.
// It is not safe for concurrent use; Loop guards it with its own mutex.
type queue[T any] struct {
	buf  []T    // underlying buffer array.
	mask uint64 // mask for index wrapping.
	head uint64 // next position to read from.
	tail uint64 // next position to write to.
}

// newQueue creates a queue with capacity rounded up to a power of two.
func newQueue[T any](size uint64) *queue[T] {
	c := nextPow2Uint64(size)
	return &queue[T]{
		buf:  make([]T, c),
		mask: c - 1,
	}
}

// push appends an item, growing the buffer if needed.
func (q *queue[T]) push(item T) {
	if q.tail-q.head == uint64(len(q.buf)) {
		q.grow()
	}
	q.buf[q.tail&q.mask] = item
	q.tail++
}

// pop removes and returns the oldest item. It returns false if the queue is empty.
func (q *queue[T]) pop() (T, bool) {
	var zero T
	if q.tail == q.head {
		return zero, false
	}
	idx := q.head & q.mask
	item := q.buf[idx]
	q.buf[idx] = zero // drop the reference so closures can be collected.
	q.head++
	return item, true
}

// len returns the number of queued items.
func (q *queue[T]) len() uint64 {
	return q.tail - q.head
}

// cap returns the current capacity.
func (q *queue[T]) cap() uint64 {
	return uint64(len(q.buf))
}

func (q *queue[T]) grow() {
	n := q.len()
	buf := make([]T, len(q.buf)*2)
	for i := uint64(0); i < n; i++ {
		buf[i] = q.buf[(q.head+i)&q.mask]
	}
	q.buf = buf
	q.mask = uint64(len(buf)) - 1
	q.head = 0
	q.tail = n
}
