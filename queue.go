package tasksync

import "sync"

// deliveryQueue runs submitted functions one at a time, in submission order,
// on a single worker goroutine. Push never blocks, so the stream reader keeps
// draining the transport while a slow subscriber is still running.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	q := &deliveryQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues fn. It is a no-op after Close.
func (q *deliveryQueue) Push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// Sync blocks until everything pushed before the call has run. It must not be
// called from a function running on the queue.
func (q *deliveryQueue) Sync() {
	ran := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.Push(func() { close(ran) })
	select {
	case <-ran:
	case <-q.done:
	}
}

// Close stops the worker. Items still queued are discarded.
func (q *deliveryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	close(q.wake)
	q.mu.Unlock()
	<-q.done
}

func (q *deliveryQueue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed || len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			fn()
		}
	}
}
