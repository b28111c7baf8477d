package domain

import (
	"encoding/json"
	"fmt"
	"sync"
)

// SaleInitiatedPayload is the payload for SAGA_STARTED events.
type SaleInitiatedPayload struct {
	CustomerID string  `json:"customer_id"`
	ProductID  string  `json:"product_id"`
	Quantity   int     `json:"quantity"`
	Amount     float64 `json:"amount"`
}

// ToJSON converts payload to JSON bytes.
func (p SaleInitiatedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// StateTransitionPayload is the payload for SAGA_STATE_TRANSITION events.
type StateTransitionPayload struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p StateTransitionPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// ServiceCallPayload is the payload for service call audit events.
type ServiceCallPayload struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
	Error     string `json:"error,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p ServiceCallPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// StockVerifiedPayload is the payload for StockVerified events.
type StockVerifiedPayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Available bool   `json:"available"`
	Message   string `json:"message,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p StockVerifiedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// StockReservedPayload is the payload for StockReserved and
// InventoryReserved events.
type StockReservedPayload struct {
	ReservationID string `json:"reservation_id"`
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
}

// ToJSON converts payload to JSON bytes.
func (p StockReservedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// StockReleasedPayload is the payload for InventoryReleased events.
type StockReleasedPayload struct {
	ReservationID string `json:"reservation_id"`
}

// ToJSON converts payload to JSON bytes.
func (p StockReleasedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// PaymentPayload is the payload for payment lifecycle events.
type PaymentPayload struct {
	TransactionID string  `json:"transaction_id"`
	CustomerID    string  `json:"customer_id"`
	Amount        float64 `json:"amount"`
	Reason        string  `json:"reason,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p PaymentPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// OrderPayload is the payload for order lifecycle events.
type OrderPayload struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
}

// ToJSON converts payload to JSON bytes.
func (p OrderPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// SagaFailedPayload is the payload for SAGA_FAILED events.
type SagaFailedPayload struct {
	Reason string `json:"reason"`
	Step   string `json:"step,omitempty"`
}

// ToJSON converts payload to JSON bytes.
func (p SagaFailedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// PayloadRegistry decodes event payloads by event type. Event payloads form
// a tagged union: the EventType field discriminates which payload schema the
// opaque bytes carry.
type PayloadRegistry struct {
	mu       sync.RWMutex
	decoders map[EventType]func() interface{}
}

// NewPayloadRegistry creates a registry pre-populated with the built-in
// sale flow payload schemas.
func NewPayloadRegistry() *PayloadRegistry {
	r := &PayloadRegistry{decoders: make(map[EventType]func() interface{})}
	r.Register(EventSagaStarted, func() interface{} { return &SaleInitiatedPayload{} })
	r.Register(EventSagaStateTransition, func() interface{} { return &StateTransitionPayload{} })
	r.Register(EventSagaServiceCallSucceeded, func() interface{} { return &ServiceCallPayload{} })
	r.Register(EventSagaServiceCallFailed, func() interface{} { return &ServiceCallPayload{} })
	r.Register(EventSagaFailed, func() interface{} { return &SagaFailedPayload{} })
	r.Register(EventSagaCompleted, func() interface{} { return &OrderPayload{} })
	r.Register(EventSagaCompensationQueued, func() interface{} { return &ServiceCallPayload{} })
	r.Register(EventStockVerified, func() interface{} { return &StockVerifiedPayload{} })
	r.Register(EventStockReserved, func() interface{} { return &StockReservedPayload{} })
	r.Register(EventInventoryReserved, func() interface{} { return &StockReservedPayload{} })
	r.Register(EventInventoryReleased, func() interface{} { return &StockReleasedPayload{} })
	r.Register(EventPaymentAuthorized, func() interface{} { return &PaymentPayload{} })
	r.Register(EventPaymentProcessed, func() interface{} { return &PaymentPayload{} })
	r.Register(EventPaymentFailed, func() interface{} { return &PaymentPayload{} })
	r.Register(EventPaymentRefunded, func() interface{} { return &PaymentPayload{} })
	r.Register(EventOrderCreated, func() interface{} { return &OrderPayload{} })
	r.Register(EventOrderConfirmed, func() interface{} { return &OrderPayload{} })
	r.Register(EventOrderCancelled, func() interface{} { return &OrderPayload{} })
	r.Register(EventOrderDelivered, func() interface{} { return &OrderPayload{} })
	r.Register(EventOrderFulfilled, func() interface{} { return &OrderPayload{} })
	return r
}

// Register adds or replaces the payload schema for an event type.
func (r *PayloadRegistry) Register(eventType EventType, newPayload func() interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[eventType] = newPayload
}

// Decode unmarshals the event payload into its registered schema.
// Returns an error for unregistered event types.
func (r *PayloadRegistry) Decode(event *Event) (interface{}, error) {
	r.mu.RLock()
	newPayload, ok := r.decoders[event.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no payload schema registered for event type %q", event.EventType)
	}
	payload := newPayload()
	if len(event.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(event.Payload, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	return payload, nil
}
