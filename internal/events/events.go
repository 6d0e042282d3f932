// Package events carries cache-invalidation notifications to the read-path
// caches that live outside the engine.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hyperengineering/factstore/internal/types"
)

// Kind names a notification.
type Kind string

const (
	// InvalidateEntityCache asks caches keyed by entity to drop the entity.
	InvalidateEntityCache Kind = "invalidate.entity_cache"

	// InvalidateResultCache asks query result caches depending on the entity
	// to drop their results.
	InvalidateResultCache Kind = "invalidate.result_cache"

	// InvalidatePropertySpecification asks readers of property
	// specifications to reload the property.
	InvalidatePropertySpecification Kind = "invalidate.property_specification"
)

// Event is one notification about an identifier.
type Event struct {
	Kind    Kind
	ID      int64
	Subject types.Subject
}

// Dispatcher delivers events.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event)
}

// Handler receives dispatched events.
type Handler func(ctx context.Context, e Event)

// Bus dispatches events synchronously to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{logger: slog.Default().With("component", "events")}
}

// Subscribe registers h for every event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Dispatch implements Dispatcher.
func (b *Bus) Dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	b.logger.Debug("dispatch", "kind", string(e.Kind), "id", e.ID, "subject", e.Subject.String())
	for _, h := range handlers {
		h(ctx, e)
	}
}

// Recorder is a Dispatcher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Dispatch implements Dispatcher.
func (r *Recorder) Dispatch(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the events recorded for id.
func (r *Recorder) Kinds(id int64) []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Kind
	for _, e := range r.events {
		if e.ID == id {
			out = append(out, e.Kind)
		}
	}
	return out
}
