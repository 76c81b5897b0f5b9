// Package bus is a small synchronous publish/subscribe hub keyed by event type.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
)

const logPrefix = "bus:bus"

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Handler receives the event type and its payload.
type Handler func(eventType string, data any)

type entry struct {
	id      uint64
	handler Handler
}

// Subscription is a registered handler.
type Subscription struct {
	id        uint64
	eventType string
	bus       *Bus
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.eventType, s.id)
}

// Type returns the event type the subscription listens to.
func (s *Subscription) Type() string {
	return s.eventType
}

// Bus dispatches events to handlers in registration order. Handlers
// registered for Wildcard run after the type-specific handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]entry)}
}

// On registers handler for eventType.
func (b *Bus) On(eventType string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], entry{id: id, handler: handler})

	return &Subscription{id: id, eventType: eventType, bus: b}
}

// Off removes the given subscriptions of eventType, or every handler of
// eventType when none are given.
func (b *Bus) Off(eventType string, subs ...*Subscription) {
	if len(subs) == 0 {
		b.mu.Lock()
		delete(b.handlers, eventType)
		b.mu.Unlock()
		return
	}
	for _, s := range subs {
		if s != nil && s.eventType == eventType {
			b.remove(eventType, s.id)
		}
	}
}

func (b *Bus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[eventType]
	for i, e := range list {
		if e.id != id {
			continue
		}
		// Copy instead of in-place removal; running emissions hold the old slice.
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, eventType)
		} else {
			b.handlers[eventType] = next
		}
		return
	}
}

// Emit delivers data to the handlers of eventType and then to the wildcard
// handlers. The handler lists are captured before delivery starts.
func (b *Bus) Emit(eventType string, data any) {
	b.mu.RLock()
	typed := b.handlers[eventType]
	var wild []entry
	if eventType != Wildcard {
		wild = b.handlers[Wildcard]
	}
	b.mu.RUnlock()

	for _, e := range typed {
		deliver(e.handler, eventType, data)
	}
	for _, e := range wild {
		deliver(e.handler, eventType, data)
	}
}

// Count returns the number of handlers registered for eventType.
func (b *Bus) Count(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

func deliver(h Handler, eventType string, data any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler for %q panicked: %v", logPrefix, eventType, r))
		}
	}()
	h(eventType, data)
}
