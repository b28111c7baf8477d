package domain

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/pkg/logger"
)

// EventHandler processes a domain event.
type EventHandler func(ctx context.Context, event *Event) error

// EventDispatcher routes domain events to registered handlers. Delivery is
// at-least-once from the caller's perspective; the dispatcher dedupes by
// event id so redelivered events are dropped before reaching handlers.
type EventDispatcher struct {
	handlers map[EventType][]EventHandler
	mu       sync.RWMutex

	// seen tracks dispatched event ids for redelivery dedupe.
	seen *xsync.MapOf[string, struct{}]
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[EventType][]EventHandler),
		seen:     xsync.NewMapOf[string, struct{}](),
	}
}

// Register registers a handler for a specific event type.
func (d *EventDispatcher) Register(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Dispatch dispatches an event to all registered handlers.
// All handlers are called sequentially. If any handler fails, the error is
// logged but remaining handlers still run (best-effort delivery). A handler
// failure leaves the event id unmarked so a redelivery can retry it.
func (d *EventDispatcher) Dispatch(ctx context.Context, event *Event) error {
	if _, dup := d.seen.Load(event.EventID); dup {
		logger.Debug("Duplicate event dropped",
			zap.String("event_id", event.EventID),
			zap.String("event_type", string(event.EventType)),
		)
		return nil
	}

	d.mu.RLock()
	handlers := d.handlers[event.EventType]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Warn("No handlers registered for event type",
			zap.String("event_type", string(event.EventType)),
			zap.String("event_id", event.EventID),
		)
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Event handler failed",
				zap.String("event_type", string(event.EventType)),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.EventType, err)
			}
		}
	}

	if firstErr == nil {
		d.seen.Store(event.EventID, struct{}{})
	}
	return firstErr
}
