package stream

import "sync"

// Queue is an unbounded FIFO that hands values, in push order, to a single
// consumer reading Out. Push never blocks, so producers may call it while
// holding their own locks.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	signal    chan struct{}
	out       chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue starts a queue and its delivery goroutine. Call Close to stop it.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v. Returns false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Out is closed after Close. Values still pending at Close are discarded.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of values not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery. Idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
