package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Queue abstracts a generics FIFO queue, which is thread-safe
type Queue[T any] interface {
	Add(elem T)
	Pop() (T, bool)
	Peek() (T, bool)
	Size() int
}

// DequeQueue is a Queue backed by a chunked deque. C receives a signal
// whenever an element is added to an empty or non-empty queue; the signal is
// coalesced, so consumers must drain the queue after receiving it.
type DequeQueue[T any] struct {
	mu sync.Mutex
	dq deque.Deque

	C chan struct{}
}

// NewDequeQueue creates an empty DequeQueue.
func NewDequeQueue[T any]() *DequeQueue[T] {
	return &DequeQueue[T]{
		dq: deque.NewDeque(),
		C:  make(chan struct{}, 1),
	}
}

func (q *DequeQueue[T]) Add(elem T) {
	q.mu.Lock()
	q.dq.PushBack(elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

func (q *DequeQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.dq.Empty() {
		return zero, false
	}
	return q.dq.PopFront().(T), true
}

func (q *DequeQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.dq.Empty() {
		return zero, false
	}
	return q.dq.Front().(T), true
}

func (q *DequeQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dq.Len()
}
