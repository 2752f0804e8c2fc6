package subscription

import (
	"sync"
)

// queue is a fixed-capacity ring buffer with blocking receive. Unlike an
// unbounded buffer it refuses items when full, so a slow consumer sheds
// load instead of growing memory.
type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int // read position
	tail   int // write position
	count  int
	closed bool

	// Stats
	accepted int64
	rejected int64
	taken    int64
}

type pushResult int

const (
	pushed pushResult = iota
	pushFull
	pushClosed
)

func newQueue[T any](capacity int) *queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &queue[T]{buf: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push adds item without blocking.
func (q *queue[T]) push(item T) pushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return pushClosed
	}
	if q.count == len(q.buf) {
		q.rejected++
		return pushFull
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	q.accepted++

	q.cond.Signal()
	return pushed
}

// pop blocks until an item is available. It returns false once the queue
// is closed; items still buffered at close are discarded.
func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if q.closed {
		return zero, false
	}

	item := q.buf[q.head]
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.taken++

	return item, true
}

// close wakes all waiters and drops buffered items.
func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	clear(q.buf)
	q.count = 0
	q.cond.Broadcast()
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// QueueStats describes a subscription's delivery queue.
type QueueStats struct {
	Depth    int
	Capacity int
	Accepted int64
	Dropped  int64
	Taken    int64
}

func (q *queue[T]) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:    q.count,
		Capacity: len(q.buf),
		Accepted: q.accepted,
		Dropped:  q.rejected,
		Taken:    q.taken,
	}
}
