// Package broadcast provides a small fan-out primitive for state observation
// streams. A single writer publishes values; any number of readers receive
// them on their own buffered channel.
//
// Publish never blocks the writer. A subscriber whose buffer is full misses
// the value and a warning is logged, so a stalled reader cannot hold up a
// state machine.
package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultBuffer is the per-subscriber channel capacity used when none is given.
const DefaultBuffer = 32

// Bus fans out published values to every current subscriber.
type Bus[T any] struct {
	mu     sync.Mutex
	name   string
	buffer int
	nextID uint64
	subs   map[uint64]chan T
	closed bool
}

// New creates a bus. The name is only used in log fields.
func New[T any](name string, buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{
		name:   name,
		buffer: buffer,
		subs:   make(map[uint64]chan T),
	}
}

// Subscribe registers a new reader with a buffer of the bus capacity. Values
// published while that buffer is full are dropped for this reader only. The
// returned cancel function removes the subscription and closes the channel;
// it is safe to call more than once.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber without blocking.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			logrus.WithFields(logrus.Fields{
				"function":   "Bus.Publish",
				"bus":        b.name,
				"subscriber": id,
			}).Warn("Subscriber buffer full, dropping event")
		}
	}
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
