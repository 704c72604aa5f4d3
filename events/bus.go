// Package events implements a small synchronous pub/sub bus keyed by event
// name, used to fan out lifecycle notifications from client sessions, the
// client manager, and the workflow pool.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler receives a payload for an event. Handlers run synchronously, in
// registration order, on the goroutine that calls Emit.
type Handler func(payload any)

// Unsubscribe removes the handler it was returned for. Calling it more than
// once is a no-op.
type Unsubscribe func()

type subscription struct {
	id      uint64
	once    bool
	handler Handler
}

// Bus is a name-keyed, synchronous event dispatcher. The zero value is not
// usable; construct with New. A Bus is safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscription
	nextID uint64
	logger *slog.Logger
}

// New creates an empty Bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// On registers handler for every future Emit(name, ...) and returns a
// function that removes the registration.
func (b *Bus) On(name string, handler Handler) Unsubscribe {
	return b.add(name, handler, false)
}

// Once registers handler to run at most once, then unsubscribe itself.
func (b *Bus) Once(name string, handler Handler) Unsubscribe {
	return b.add(name, handler, true)
}

func (b *Bus) add(name string, handler Handler, once bool) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[name] = append(b.subs[name], subscription{id: id, once: once, handler: handler})
	b.mu.Unlock()

	var removed bool
	var mu sync.Mutex
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if removed {
			return
		}
		removed = true
		b.remove(name, id)
	}
}

func (b *Bus) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[name]
	for i, s := range list {
		if s.id == id {
			b.subs[name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

// Emit dispatches payload to every handler registered for name, in
// registration order. A handler that panics is recovered, logged, and does
// not prevent remaining handlers from running.
func (b *Bus) Emit(name string, payload any) {
	b.mu.Lock()
	list := append([]subscription(nil), b.subs[name]...)
	// Drop once-handlers before dispatching so a concurrent Emit cannot
	// run them a second time.
	var kept []subscription
	for _, s := range list {
		if !s.once {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, name)
	} else {
		b.subs[name] = kept
	}
	b.mu.Unlock()

	for _, s := range list {
		b.dispatch(name, s, payload)
	}
}

func (b *Bus) dispatch(name string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(context.Background(), "event handler panicked",
				"event", name, "panic", r)
		}
	}()
	s.handler(payload)
}
