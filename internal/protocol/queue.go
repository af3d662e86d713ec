package protocol

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO between the connection reader and a session
// consumer. The reader never blocks on a slow consumer. After close, items
// already queued are still handed over before out is closed; only ctx
// cancellation abandons them.
type queue struct {
	ctx    context.Context
	mu     sync.Mutex
	items  []*Message
	closed bool
	notify chan struct{}
	out    chan *Message
}

func newQueue(ctx context.Context) *queue {
	q := &queue{
		ctx:    ctx,
		notify: make(chan struct{}, 1),
		out:    make(chan *Message),
	}
	go q.run()
	return q
}

// push appends m. Pushes after close are dropped.
func (q *queue) push(m *Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close stops accepting items. out is closed once the backlog is delivered.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.notify:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		m := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- m:
		case <-q.ctx.Done():
			return
		}
	}
}
