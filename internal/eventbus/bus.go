// Package eventbus provides a minimal in-memory fanout used to decouple
// the reconcile path from its observers (IPC pushes, notifications).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events
//     rather than stalling the publisher.
//   - Events delivered to one subscriber arrive in publication order.
package eventbus

import (
	"sync"
)

type Bus[T any] struct {
	mu   sync.Mutex
	seq  uint64
	subs map[uint64]chan T
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]chan T{}}
}

// Publish delivers v to every current subscriber without blocking.
// The lock is held across the sends; they cannot block, and holding it
// keeps Publish from racing a concurrent unsubscribe's close().
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// subscriber is behind; drop for them, not for everyone
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func is
// idempotent and closes the channel.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
