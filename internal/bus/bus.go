// Package bus is the in-process pub/sub used to fan task state changes out
// to the watch dashboard, the metrics recorder and the daemon log.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching. A nil *Bus is
// valid and drops everything, so one-shot CLI commands can skip it.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	bufSize int
	dropped atomic.Int64
}

func New() *Bus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer creates a Bus whose subscriptions buffer size events.
func NewWithBuffer(size int) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		subs:    make(map[int]*Subscription),
		bufSize: size,
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. Slow consumers miss events once their
// buffer is full.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, b.bufSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
