package homekit

import "sync"

// fifo is an unbounded multi-producer, single-consumer queue.
//
// push never blocks, so native callbacks and the mutation loop can hand off
// work without waiting on slower consumers.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{signal: make(chan struct{}, 1)}
}

// push appends v. It returns false once the queue is closed.
func (q *fifo[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.notify()
	return true
}

func (q *fifo[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// close stops accepting items. Items already queued are still drained.
func (q *fifo[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// run calls handle for every item in push order until the queue is closed
// and empty.
func (q *fifo[T]) run(handle func(T)) {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, item := range batch {
			handle(item)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.signal
	}
}
