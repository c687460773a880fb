// Package eventbus implements the broadcast of Events to subscribed
// Sandstorm sessions (spec.md §4.5). Publishing is non-blocking: a
// subscriber whose buffer is full is marked overrun and its channel is
// closed, which the Sandstorm session interprets as "terminate this
// connection". Slow consumers never affect other subscribers or the
// publisher.
package eventbus

import (
	"sync"

	"github.com/sandstormd/sandstorm/internal/model"
)

// DefaultQueueSize is the per-subscriber bounded buffer capacity.
const DefaultQueueSize = 256

// Subscription is a single subscriber's view of the bus. Events arrives
// in global sequence order (a prefix-suffix of the global stream
// starting at subscribe time). Overrun fires exactly once, after which
// Events is closed and no further events will arrive.
type Subscription struct {
	Events  <-chan model.Event
	Overrun <-chan struct{}

	bus *Bus
	id  uint64
}

// Unsubscribe deregisters the subscription. Safe to call more than once
// and safe to call after an overrun has already fired.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

type subscriber struct {
	id      uint64
	events  chan model.Event
	overrun chan struct{}
	closed  bool
}

// Bus is a multi-producer, multi-subscriber broadcast of Events. The
// caller (the coordinator) assigns sequence numbers before calling
// Publish; the bus only fans out, it never renumbers.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*subscriber
	nextSubID uint64
	queueSize int
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber), queueSize: DefaultQueueSize}
}

// Subscribe registers a new subscriber and returns its handle. Events
// published after this call are delivered; nothing published before it
// is replayed (the coordinator's CurrentMetrics/ListUsers/etc. snapshot
// calls cover "what happened before").
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	sub := &subscriber{
		id:      id,
		events:  make(chan model.Event, b.queueSize),
		overrun: make(chan struct{}),
	}
	b.subs[id] = sub

	return &Subscription{Events: sub.events, Overrun: sub.overrun, bus: b, id: id}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
}

// Publish fans e out to every current subscriber without blocking. A
// subscriber whose queue is full is evicted: its Overrun channel is
// closed (waking its session so it can tear the connection down) and it
// is removed from the subscriber set.
func (b *Bus) Publish(e model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.events <- e:
		default:
			sub.closed = true
			close(sub.overrun)
			close(sub.events)
			delete(b.subs, id)
		}
	}
}

// SubscriberCount reports the number of currently subscribed sessions.
// Useful for the current_managers gauge and for tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
