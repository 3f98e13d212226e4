package bus

import "sync"

type delivery struct {
	handler Handler
	msg     Message
}

// deliveryQueue runs handlers on a single goroutine in enqueue order.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []delivery
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newDeliveryQueue() *deliveryQueue {
	q := &deliveryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *deliveryQueue) push(d delivery) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *deliveryQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 || q.closed {
				q.mu.Unlock()
				break
			}
			next := q.items[0]
			q.items[0] = delivery{}
			q.items = q.items[1:]
			q.mu.Unlock()
			next.handler(next.msg)
		}
	}
}
