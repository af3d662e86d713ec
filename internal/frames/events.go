package frames

import (
	"sort"
	"sync"

	"github.com/go-rod/rod/lib/proto"
)

// EventType names a frame lifecycle event.
type EventType string

const (
	FrameAttached                EventType = "FrameAttached"
	FrameNavigated               EventType = "FrameNavigated"
	FrameNavigatedWithinDocument EventType = "FrameNavigatedWithinDocument"
	FrameDetached                EventType = "FrameDetached"
	FrameSwapped                 EventType = "FrameSwapped"
	FrameSwappedByActivation     EventType = "FrameSwappedByActivation"
	LifecycleEvent               EventType = "LifecycleEvent"
	BindingCalled                EventType = "BindingCalled"
)

// Event is delivered to subscribers in the order the manager applied it.
type Event struct {
	Type  EventType
	Frame *Frame

	// Lifecycle is the lifecycle event name for LifecycleEvent.
	Lifecycle string
	// Navigation is the navigation type for FrameNavigated.
	Navigation proto.PageNavigationType
	// Binding is the raw call for BindingCalled.
	Binding *proto.RuntimeBindingCalled
}

type batch []Event

func (b *batch) add(t EventType, f *Frame) *Event {
	*b = append(*b, Event{Type: t, Frame: f})
	return &(*b)[len(*b)-1]
}

// Subscribe registers fn for every event. Events are delivered one at a time
// on a single goroutine in the order they were applied. fn must not call
// Close.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	return m.events.subscribe(fn)
}

// dispatcher decouples event delivery from the manager lock.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	subs   map[int]func(Event)
	nextID int
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{subs: make(map[int]func(Event)), done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *dispatcher) push(b batch) {
	if len(b) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, b...)
	d.cond.Signal()
}

// close delivers what is queued and stops the dispatcher.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		ids := make([]int, 0, len(d.subs))
		for id := range d.subs {
			ids = append(ids, id)
		}
		d.mu.Unlock()

		sort.Ints(ids)
		for _, id := range ids {
			d.mu.Lock()
			fn := d.subs[id]
			d.mu.Unlock()
			if fn != nil {
				fn(ev)
			}
		}
	}
}
