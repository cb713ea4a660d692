package chat

import "sync"

// Queue is an unbounded, blocking FIFO that can be closed exactly once.
//
// Closing rejects further pushes but keeps already queued items poppable
// until the queue is drained; only then does Pop report ErrQueueClosed.
// Close is the only way to release a blocked Pop.
type Queue[T any] struct {
	mu     sync.Mutex
	ready  *sync.Cond
	items  []T
	head   int
	closed bool
}

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// Push appends v and wakes one waiting consumer.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, v)
	q.ready.Signal()
	return nil
}

// Pop removes and returns the oldest item, blocking until one is available.
// It returns ErrQueueClosed only when the queue is closed and empty.
func (q *Queue[T]) Pop() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.head == len(q.items) && !q.closed {
		q.ready.Wait()
	}

	var zero T
	if q.head == len(q.items) {
		return zero, ErrQueueClosed
	}

	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compact()
	return v, nil
}

// compact reclaims the consumed prefix of items. Caller holds q.mu.
func (q *Queue[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// Close marks the queue closed and wakes every blocked consumer. It is safe
// to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.ready.Broadcast()
}

// Len returns the number of items waiting to be popped.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// drain discards anything still queued. Only used during teardown, after
// every consumer has exited.
func (q *Queue[T]) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items) - q.head
	clear(q.items)
	q.items = nil
	q.head = 0
	return n
}
