package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of domain event.
type EventType string

const (
	// Sale flow step events published by collaborators.
	EventOrderCreated      EventType = "OrderCreated"
	EventStockVerified     EventType = "StockVerified"
	EventStockReserved     EventType = "StockReserved"
	EventInventoryReserved EventType = "InventoryReserved"
	EventInventoryReleased EventType = "InventoryReleased"
	EventPaymentAuthorized EventType = "PaymentAuthorized"
	EventPaymentProcessed  EventType = "PaymentProcessed"
	EventPaymentFailed     EventType = "PaymentFailed"
	EventPaymentRefunded   EventType = "PaymentRefunded"
	EventOrderConfirmed    EventType = "OrderConfirmed"
	EventOrderCancelled    EventType = "OrderCancelled"
	EventOrderDelivered    EventType = "OrderDelivered"
	EventOrderFulfilled    EventType = "OrderFulfilled"

	// Saga audit events recorded by the orchestrated engine.
	EventSagaStarted              EventType = "SAGA_STARTED"
	EventSagaStateTransition      EventType = "SAGA_STATE_TRANSITION"
	EventSagaServiceCallSucceeded EventType = "SAGA_SERVICE_CALL_SUCCEEDED"
	EventSagaServiceCallFailed    EventType = "SAGA_SERVICE_CALL_FAILED"
	EventSagaCompensationQueued   EventType = "SAGA_COMPENSATION_QUEUED"
	EventSagaCompleted            EventType = "SAGA_COMPLETED"
	EventSagaFailed               EventType = "SAGA_FAILED"
)

// AggregateType identifies the unit of consistency an event stream belongs to.
const (
	AggregateTypeSale  = "SALE_SAGA"
	AggregateTypeOrder = "ORDER"
)

// Event is an immutable fact appended to the event store. For a given
// AggregateID, EventVersion values are contiguous starting at 1, enforced
// by optimistic concurrency at append time.
type Event struct {
	EventID       string            `json:"event_id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	EventType     EventType         `json:"event_type"`
	EventVersion  int64             `json:"event_version"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id"`
	CausationID   string            `json:"causation_id,omitempty"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent builds an event for the given aggregate. EventVersion is left
// zero; the event store assigns it at append time from the caller's
// expected version.
func NewEvent(aggregateID, aggregateType string, eventType EventType, correlationID string, payload []byte) (*Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return &Event{
		EventID:       id.String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       payload,
	}, nil
}

// WithCausation links this event to the event or command that produced it.
func (e *Event) WithCausation(causationID string) *Event {
	e.CausationID = causationID
	return e
}
