package domain

import "time"

// ReservationStatus tracks a stock reservation's lifecycle.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationExpired  ReservationStatus = "EXPIRED"
)

// StockReservation holds product quantity for one saga. At most one ACTIVE
// reservation may exist per (saga, product) pair, enforced by a conditional
// insert in the store.
type StockReservation struct {
	ReservationID string            `json:"reservation_id"`
	ProductID     string            `json:"product_id"`
	Quantity      int               `json:"quantity"`
	SagaID        string            `json:"saga_id"`
	CustomerID    string            `json:"customer_id"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// IsExpired reports whether the hold has lapsed at the given instant.
func (r *StockReservation) IsExpired(now time.Time) bool {
	return r.Status == ReservationActive && now.After(r.ExpiresAt)
}
