// Package event provides the in-process dispatcher for domain events. The
// bus is an explicitly constructed instance wired at application startup;
// there is no ambient global registry, and tests build a fresh bus per case.
package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/midgarde/keygate/internal/identity/domain"
)

// Handler reacts to a published domain event. Handlers run on the
// publisher's goroutine and should return quickly.
type Handler func(ctx context.Context, e domain.Event) error

// Bus dispatches domain events to subscribed handlers, keyed by event name.
//
// Dispatch is synchronous and sequential in registration order. A handler
// error aborts delivery to the remaining handlers for that publish call and
// propagates to the publisher; there is no isolation between handlers. This
// is a known limitation, accepted because the core publishes few events and
// callers decide how to surface the failure.
//
// The bus offers no persistence or redelivery. Subscriptions are
// construction-time wiring: all Subscribe calls must complete before the
// first Publish, and handlers cannot be unregistered.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for the named event. Multiple handlers per
// event are allowed and run in registration order.
func (b *Bus) Subscribe(eventName string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], h)
}

// Publish invokes every handler registered for e's name, sequentially,
// waiting for each before calling the next. The first handler error stops
// dispatch and is returned to the caller. Publishing an event nobody
// subscribed to is a no-op.
func (b *Bus) Publish(ctx context.Context, e domain.Event) error {
	b.mu.RLock()
	handlers := b.handlers[e.EventName()]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			return fmt.Errorf("event %q handler failed: %w", e.EventName(), err)
		}
	}
	return nil
}
