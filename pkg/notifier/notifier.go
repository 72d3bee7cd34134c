package notifier

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/hanfei1991/renderfarm/pkg/containers"
)

type receiverID = int64

const defaultReceiverBufferSize = 16

// Notifier is the sending endpoint of a single-producer-multiple-consumer
// notification mechanism. Delivery is best effort: a receiver whose buffer is
// full misses the event, so receivers should treat an event as a hint to
// re-read state rather than as the state itself.
type Notifier[T any] struct {
	receivers sync.Map // receiverID -> *Receiver[T]
	nextID    atomic.Int64
	dropped   atomic.Int64

	queue *containers.DequeQueue[T]

	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Receiver is the receiving endpoint of a single-producer-multiple-consumer
// notification mechanism.
type Receiver[T any] struct {
	id     receiverID
	C      chan T
	filter func(T) bool

	closed   atomic.Bool
	notifier *Notifier[T]
}

// Close detaches the receiver. C is never closed, receivers should select on
// their own context as well.
func (r *Receiver[T]) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.notifier.receivers.Delete(r.id)
}

// NewNotifier creates a new Notifier and starts its dispatching goroutine.
func NewNotifier[T any]() *Notifier[T] {
	ret := &Notifier[T]{
		queue:   containers.NewDequeQueue[T](),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go ret.run()
	return ret
}

// NewReceiver creates a new Receiver associated with the given Notifier.
// A nil filter accepts every event.
func (n *Notifier[T]) NewReceiver(filter func(T) bool) *Receiver[T] {
	receiver := &Receiver[T]{
		id:       n.nextID.Add(1),
		C:        make(chan T, defaultReceiverBufferSize),
		filter:   filter,
		notifier: n,
	}

	n.receivers.Store(receiver.id, receiver)
	return receiver
}

// Notify sends a new notification event.
func (n *Notifier[T]) Notify(event T) {
	n.queue.Add(event)
}

// Dropped returns how many deliveries were skipped because a receiver was full.
func (n *Notifier[T]) Dropped() int64 {
	return n.dropped.Load()
}

// Close stops the dispatching goroutine. Pending events are discarded.
func (n *Notifier[T]) Close() {
	n.closeOnce.Do(func() {
		close(n.closeCh)
		<-n.doneCh
	})
}

func (n *Notifier[T]) run() {
	defer close(n.doneCh)

	for {
		select {
		case <-n.closeCh:
			return
		case <-n.queue.C:
		}

		for {
			event, ok := n.queue.Pop()
			if !ok {
				break
			}
			n.dispatch(event)

			select {
			case <-n.closeCh:
				return
			default:
			}
		}
	}
}

func (n *Notifier[T]) dispatch(event T) {
	n.receivers.Range(func(_, value any) bool {
		receiver := value.(*Receiver[T])
		if receiver.closed.Load() {
			return true
		}
		if receiver.filter != nil && !receiver.filter(event) {
			return true
		}

		select {
		case receiver.C <- event:
		default:
			n.dropped.Add(1)
		}
		return true
	})
}
