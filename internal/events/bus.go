package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the channel capacity used when a subscriber asks for none.
const DefaultBufferSize = 256

// subscriber is one registered channel.
type subscriber struct {
	ch      chan Event
	topic   string
	all     bool
	dropped atomic.Int64
}

func (s *subscriber) wants(topic string) bool {
	return s.all || s.topic == topic
}

// EventBus fans turn events out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the event; the miss is
// counted and reported by Unsubscribe.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving the events published on topic.
// A non-positive bufSize uses DefaultBufferSize.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(&subscriber{topic: topic}, bufSize)
}

// SubscribeAll returns a channel receiving the events of every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add(&subscriber{all: true}, bufSize)
}

func (b *EventBus) add(s *subscriber, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	s.ch = make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.subs = append(b.subs, s)
	return s.ch
}

// Publish delivers event to every subscriber of topic and every SubscribeAll
// channel. Publishing on a closed bus does nothing.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			s.dropped.Add(1)
		}
	}
}

// Unsubscribe removes and closes a channel returned by Subscribe or
// SubscribeAll. It returns how many events that subscriber missed because its
// buffer was full. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(ch <-chan Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	for i, s := range b.subs {
		if s.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return int(s.dropped.Load())
		}
	}
	return 0
}

// Close closes every subscriber channel. Calling it again does nothing.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
