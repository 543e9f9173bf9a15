package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes events. A returned error or a panic is logged and isolated
// from the other subscribers.
type Handler[T any] func(T) error

// Bus is a synchronous, best-effort, in-process publish/subscribe channel.
// There is no buffering: events published with no subscribers are lost.
type Bus[T any] struct {
	name string

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn Handler[T]
}

// NewBus creates an empty bus. The name only appears in logs.
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers fn and returns a func that removes it again. Calling the
// returned func more than once is harmless.
func (b *Bus[T]) Subscribe(fn Handler[T]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish invokes every registered handler in registration order.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus[T]) deliver(s subscription[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", slog.String("bus", b.name), slog.Uint64("subscriber", s.id), slog.Any("panic", fmt.Sprint(r)))
		}
	}()
	if err := s.fn(ev); err != nil {
		slog.Warn("event handler failed", slog.String("bus", b.name), slog.Uint64("subscriber", s.id), slog.Any("err", err))
	}
}

// Len returns the number of current subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
