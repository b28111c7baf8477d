package domain

import "time"

// SagaState is the orchestrated saga state machine state.
type SagaState string

const (
	StateSaleInitiated     SagaState = "SALE_INITIATED"
	StateStockVerifying    SagaState = "STOCK_VERIFYING"
	StateStockReserving    SagaState = "STOCK_RESERVING"
	StatePaymentProcessing SagaState = "PAYMENT_PROCESSING"
	StateSaleConfirming    SagaState = "SALE_CONFIRMING"
	StateSaleConfirmed     SagaState = "SALE_CONFIRMED"
	StateStockReleasing    SagaState = "STOCK_RELEASING"
	StateSaleFailed        SagaState = "SALE_FAILED"
)

// sagaTransitions is the allowed edge set of the state machine. Terminal
// states have no outgoing edges. Every non-terminal state may fail toward
// STOCK_RELEASING (when a reservation exists) or SALE_FAILED directly.
var sagaTransitions = map[SagaState][]SagaState{
	StateSaleInitiated:     {StateStockVerifying, StateSaleFailed},
	StateStockVerifying:    {StateStockReserving, StateSaleFailed},
	StateStockReserving:    {StatePaymentProcessing, StateStockReleasing, StateSaleFailed},
	StatePaymentProcessing: {StateSaleConfirming, StateStockReleasing, StateSaleFailed},
	StateSaleConfirming:    {StateSaleConfirmed, StateStockReleasing, StateSaleFailed},
	StateStockReleasing:    {StateSaleFailed},
	StateSaleConfirmed:     {},
	StateSaleFailed:        {},
}

// CanTransitionTo reports whether the edge from s to next is allowed.
func (s SagaState) CanTransitionTo(next SagaState) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing edges.
func (s SagaState) IsTerminal() bool {
	return len(sagaTransitions[s]) == 0
}

// SagaExecution is the mutable coordination record of one orchestrated
// saga. Version increments exactly once per successful transition and every
// write is conditioned on the caller's expected version.
type SagaExecution struct {
	SagaID             string    `json:"saga_id"`
	CorrelationID      string    `json:"correlation_id"`
	CustomerID         string    `json:"customer_id"`
	ProductID          string    `json:"product_id"`
	Quantity           int       `json:"quantity"`
	Amount             float64   `json:"amount"`
	CurrentState       SagaState `json:"current_state"`
	Version            int64     `json:"version"`
	StockReservationID string    `json:"stock_reservation_id,omitempty"`
	PaymentTxnID       string    `json:"payment_transaction_id,omitempty"`
	OrderID            string    `json:"order_id,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsTerminal reports whether the saga reached a terminal outcome.
func (s *SagaExecution) IsTerminal() bool {
	return s.CurrentState.IsTerminal()
}

// HasReservation reports whether a stock reservation was recorded, which
// decides the failure path (release first vs. fail directly).
func (s *SagaExecution) HasReservation() bool {
	return s.StockReservationID != ""
}

// FailureTarget returns the next state on the failure path.
func (s *SagaExecution) FailureTarget() SagaState {
	if s.HasReservation() && s.CurrentState != StateStockReleasing {
		return StateStockReleasing
	}
	return StateSaleFailed
}
