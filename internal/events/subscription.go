package events

import (
	"sync"
)

// Handler processes a single event.
type Handler func(Event)

// Bus fans events out to subscribed handlers. Handlers are invoked
// synchronously in subscription order on the publishing goroutine, which
// preserves per-session event ordering end to end.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]map[Type]Handler
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]map[Type]Handler),
	}
}

// Publish delivers an event to all handlers subscribed to its type.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	var toCall []Handler
	for _, set := range b.handlers {
		if h, ok := set[ev.EventType()]; ok {
			toCall = append(toCall, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range toCall {
		h(ev)
	}
}

// SubscriptionSet groups many subscriptions so that they are released
// together. A UI surface acquires one set on mount and releases it on
// teardown; a released set drops all of its handlers at once.
type SubscriptionSet struct {
	bus *Bus
	id  int

	mu       sync.Mutex
	released bool
}

// Acquire creates a new subscription set on the bus.
func (b *Bus) Acquire() *SubscriptionSet {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[id] = make(map[Type]Handler)
	return &SubscriptionSet{bus: b, id: id}
}

// On registers a handler for an event type within this set.
// Registering a second handler for the same type replaces the first.
// Calls on a released set are no-ops.
func (s *SubscriptionSet) On(t Type, h Handler) *SubscriptionSet {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return s
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.handlers[s.id]; ok {
		set[t] = h
	}
	return s
}

// Release drops every handler registered through this set. Safe to call
// multiple times.
func (s *SubscriptionSet) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.handlers, s.id)
	s.bus.mu.Unlock()
}
