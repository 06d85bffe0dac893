package router

import "sync"

// Queue is an unbounded FIFO used between the socket reader and the
// dispatch goroutine. Push never blocks, so a slow listener can delay
// delivery but never stall the network read path.
//
// Storage is a ring that doubles when full.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int
	count  int
	closed bool

	pushed  int64
	dropped int64
	grows   int
}

// NewQueue creates a queue with the given initial capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{buf: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. Returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.count == len(q.buf) {
		q.grow()
	}

	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.pushed++
	q.cond.Signal()
	return true
}

// Pop blocks until an item is available or the queue is closed.
// After Close it still returns queued items, then (zero, false).
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// TryPop returns the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Discard drops everything currently queued and returns how many items went.
func (q *Queue[T]) Discard() int {
	return q.DiscardFunc(func(T) bool { return true })
}

// DiscardFunc drops the queued items for which drop returns true and keeps
// the rest in order. Returns how many items went.
func (q *Queue[T]) DiscardFunc(drop func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	kept, n := 0, 0
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.buf)
		item := q.buf[idx]
		q.buf[idx] = zero
		if drop(item) {
			n++
			continue
		}
		q.buf[(q.head+kept)%len(q.buf)] = item
		kept++
	}
	q.count = kept
	q.dropped += int64(n)
	return n
}

// Close wakes all waiters; later pushes are rejected.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// QueueStats contains queue counters.
type QueueStats struct {
	Len      int
	Capacity int
	Pushed   int64
	Dropped  int64
	Grows    int
}

// Stats returns a copy of the queue counters.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:      q.count,
		Capacity: len(q.buf),
		Pushed:   q.pushed,
		Dropped:  q.dropped,
		Grows:    q.grows,
	}
}

// take removes the head item. Must be called with lock held.
func (q *Queue[T]) take() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // release reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return item
}

// grow doubles capacity and unwraps the ring. Must be called with lock held.
func (q *Queue[T]) grow() {
	next := make([]T, len(q.buf)*2)
	n := copy(next, q.buf[q.head:])
	copy(next[n:], q.buf[:q.head])
	q.buf = next
	q.head = 0
	q.grows++
}
