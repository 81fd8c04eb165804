package router

import "sync"

// consumerQueueSize is the high-water mark for a single consumer's
// outbound event queue before it is considered degraded (spec.md §4.5).
const consumerQueueSize = 256

// Bus is the multi-producer, multi-consumer fanout described in
// spec.md §4.5: producers (the model, server engines, client engines)
// publish events; consumers (UI subscribers of an engine or client)
// each get their own bounded channel so a slow consumer
// cannot block producers. This generalizes the "3 strikes and evict"
// pattern of panasonic.NotifyServer.SendAll (awnotify.go) from
// best-effort UDP-style delivery to bounded in-process channels: instead
// of counting errors, a full queue immediately marks the consumer
// degraded and Publish drops the event for that consumer only.
type Bus struct {
	mu        sync.Mutex
	consumers map[int]*consumer
	nextID    int
}

type consumer struct {
	ch       chan Event
	degraded bool
}

// NewBus returns an empty, ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{consumers: make(map[int]*consumer)}
}

// Subscribe registers a new consumer and returns its id and receive
// channel. Call Unsubscribe(id) to stop delivery and release the
// channel.
func (b *Bus) Subscribe() (id int, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = b.nextID
	b.nextID++
	c := &consumer{ch: make(chan Event, consumerQueueSize)}
	b.consumers[id] = c
	return id, c.ch
}

// Unsubscribe removes a consumer. Safe to call more than once.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers[id]; ok {
		close(c.ch)
		delete(b.consumers, id)
	}
}

// Publish fans ev out to every consumer without blocking. A consumer
// whose queue is full is marked degraded and the event is dropped for
// it only; other consumers are unaffected.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.consumers {
		select {
		case c.ch <- ev:
			c.degraded = false
		default:
			c.degraded = true
		}
	}
}

// Degraded reports whether the consumer identified by id has dropped
// at least one event since it last caught up.
func (b *Bus) Degraded(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[id]
	return ok && c.degraded
}
