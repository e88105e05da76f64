// Package queue is the bounded hand-off between the receive and dispatch loops.
package queue

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the queue bound for new clients.
const DefaultCapacity = 100

var ErrInvalidCapacity = errors.New("queue: capacity must be at least 1")

// Bounded is a FIFO ring with a fixed capacity. A full queue drops the newest entry
// instead of blocking the producer.
type Bounded[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []T
	head    int
	size    int
	limit   int
	lost    uint64
	stopped bool
}

func New[T any](capacity int) (*Bounded[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	q := &Bounded[T]{buf: make([]T, capacity), limit: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Push appends v. It returns false when v was dropped because the queue is full or
// stopped; a full queue also counts the drop as lost.
func (q *Bounded[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	if q.size >= q.limit {
		q.lost++
		return false
	}
	if q.size == len(q.buf) {
		q.grow(q.limit)
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
	q.cond.Signal()
	return true
}

// Pop blocks until an entry is available or the queue is stopped. After Stop it returns
// false even if entries remain; use Drain to collect them.
func (q *Bounded[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// TryPop returns the oldest entry without blocking.
func (q *Bounded[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 || q.stopped {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Stop wakes every blocked Pop and rejects later pushes. It is idempotent.
func (q *Bounded[T]) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Reset clears the stopped flag so the queue can serve a new session. Remaining entries
// are returned for release.
func (q *Bounded[T]) Reset() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.drainLocked()
	q.stopped = false
	return out
}

// Drain removes and returns every queued entry in FIFO order.
func (q *Bounded[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Bounded[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// Lost returns the number of entries dropped because the queue was full.
func (q *Bounded[T]) Lost() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lost
}

// SetCapacity changes the bound. Entries already queued are never evicted; when the new
// bound is below the current length, pushes fail until the queue drains below it.
func (q *Bounded[T]) SetCapacity(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, n)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = n
	if n > len(q.buf) {
		q.grow(n)
	}
	return nil
}

func (q *Bounded[T]) grow(n int) {
	if n < q.size {
		n = q.size
	}
	next := make([]T, n)
	for i := range q.size {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}

func (q *Bounded[T]) popLocked() T {
	var zero T
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v
}

func (q *Bounded[T]) drainLocked() []T {
	out := make([]T, 0, q.size)
	for q.size > 0 {
		out = append(out, q.popLocked())
	}
	q.head = 0
	return out
}
