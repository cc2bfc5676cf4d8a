// Package bus is the in-process publish/subscribe channel shared by the
// mission engine and the collaborator modules that feed it.
//
// Delivery is synchronous: Emit runs every handler subscribed to the exact
// event name, in subscription order, before it returns. Handlers may emit,
// subscribe or unsubscribe from inside a delivery. A handler that panics
// unwinds through Emit into the emitter.
package bus

import (
	"context"
	"sort"
	"sync"
)

// Event is a named signal with an optional target identifier and an
// arbitrary payload bag.
type Event struct {
	Name   string         `json:"event"`
	Target string         `json:"target,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

type Handler func(ctx context.Context, evt Event)

// Subscription identifies one registered handler. The zero value is not a
// registration and unsubscribing it is a no-op.
type Subscription struct {
	id   uint64
	name string
}

func (s Subscription) Name() string { return s.name }
func (s Subscription) Valid() bool  { return s.id != 0 }

type entry struct {
	id      uint64
	handler Handler
	removed bool
}

type Bus struct {
	mu       sync.Mutex
	next     uint64
	handlers map[string][]*entry
}

func New() *Bus {
	return &Bus{handlers: make(map[string][]*entry)}
}

// Subscribe registers h for events named name.
func (b *Bus) Subscribe(name string, h Handler) Subscription {
	if name == "" || h == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	e := &entry{id: b.next, handler: h}
	b.handlers[name] = append(b.handlers[name], e)
	return Subscription{id: e.id, name: name}
}

// Unsubscribe removes the handler behind sub. A handler removed while an
// Emit is in flight is not called for the rest of that delivery.
func (b *Bus) Unsubscribe(sub Subscription) {
	if !sub.Valid() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.name]
	for i, e := range list {
		if e.id != sub.id {
			continue
		}
		e.removed = true
		// Copy rather than shift in place: in-flight emits hold the old slice.
		next := append(list[:i:i], list[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.name)
		} else {
			b.handlers[sub.name] = next
		}
		return
	}
}

// Emit delivers evt to the current subscribers of evt.Name. Emitting an
// event nobody listens to is a no-op.
func (b *Bus) Emit(ctx context.Context, evt Event) {
	if evt.Name == "" {
		return
	}
	b.mu.Lock()
	snapshot := b.handlers[evt.Name]
	b.mu.Unlock()
	for _, e := range snapshot {
		if b.isRemoved(e) {
			continue
		}
		e.handler(ctx, evt)
	}
}

func (b *Bus) isRemoved(e *entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return e.removed
}

// Subscribers returns how many handlers listen for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[name])
}

// Names returns the event names with at least one subscriber, sorted.
func (b *Bus) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
