package queue

import (
	"context"
	"sync"

	"github.com/itsharex/SolidUI/errors"
)

// Queue is an unbounded, strictly FIFO, concurrency-safe queue.
//
// Push never blocks. Pop blocks until an item is available, the context is
// done or the queue is closed. PopAll removes a consistent prefix: the item
// count is taken once under the lock, so items pushed concurrently stay
// queued for the next call.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	closed bool

	stats   *Statistics
	metrics *queueMetrics
}

// New creates an empty queue
func New[T any](options ...Option) (*Queue[T], error) {
	opts := applyOptions(options...)

	q := &Queue[T]{
		wake:  make(chan struct{}),
		stats: NewStatistics(),
	}

	if opts.metricsReg != nil {
		m, err := newQueueMetrics(opts.metricsReg, opts.name)
		if err != nil {
			return nil, errors.Wrap(err, "Queue", "New", "register queue metrics")
		}
		q.metrics = m
	}

	return q, nil
}

// Push appends item to the tail of the queue
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}
	q.items = append(q.items, item)
	size := len(q.items)
	q.signalLocked()
	q.mu.Unlock()

	q.stats.push(size)
	if q.metrics != nil {
		q.metrics.recordPush(size)
	}
	return nil
}

// signalLocked wakes every goroutine blocked in Pop. Callers hold q.mu.
func (q *Queue[T]) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// TryPop removes and returns the head of the queue without blocking
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	item, ok := q.popLocked()
	size := len(q.items)
	q.mu.Unlock()

	if ok {
		q.recordPop(1, size)
	}
	return item, ok
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// Pop removes and returns the head of the queue, blocking while it is empty.
// It returns ctx.Err() when ctx is done and ErrQueueClosed once the queue is
// closed and empty.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if item, ok := q.popLocked(); ok {
			size := len(q.items)
			q.mu.Unlock()
			q.recordPop(1, size)
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, errors.ErrQueueClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wake:
		}
	}
}

// PopAll removes and returns every item queued at the moment of the call,
// oldest first. It returns an empty, non-nil slice when the queue is empty.
func (q *Queue[T]) PopAll() []T {
	q.mu.Lock()
	n := len(q.items)
	out := make([]T, n)
	copy(out, q.items[:n])
	q.items = nil
	q.mu.Unlock()

	if n > 0 {
		q.recordPop(n, 0)
	}
	return out
}

func (q *Queue[T]) recordPop(n, size int) {
	q.stats.pop(n)
	if q.metrics != nil {
		q.metrics.recordPop(n, size)
	}
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of the queue statistics
func (q *Queue[T]) Stats() Snapshot {
	return q.stats.Snapshot()
}

// Close stops the queue from accepting items and wakes blocked consumers.
// Items already queued can still be popped. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

// Closed reports whether Close has been called
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
