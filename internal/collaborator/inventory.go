package collaborator

import (
	"context"

	"go.uber.org/zap"

	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// InventoryClient calls the inventory service for stock checks and
// reservations.
type InventoryClient struct {
	base baseClient
}

// StockCheck is the outcome of a stock verification.
type StockCheck struct {
	Available bool   `json:"available"`
	Message   string `json:"message,omitempty"`
}

// VerifyStock checks whether the requested quantity is in stock. A
// shortage is a normal outcome, not an error.
func (c *InventoryClient) VerifyStock(ctx context.Context, sagaID, correlationID, productID string, quantity int) (*StockCheck, error) {
	req := struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}{ProductID: productID, Quantity: quantity}

	var out StockCheck
	if err := c.base.postJSON(ctx, "/api/stock/verify", sagaID, correlationID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReserveStock places a reservation and returns its id.
func (c *InventoryClient) ReserveStock(ctx context.Context, sagaID, correlationID, productID string, quantity int) (string, error) {
	req := struct {
		SagaID    string `json:"saga_id"`
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}{SagaID: sagaID, ProductID: productID, Quantity: quantity}

	var out struct {
		ReservationID string `json:"reservation_id"`
	}
	if err := c.base.postJSON(ctx, "/api/stock/reserve", sagaID, correlationID, req, &out); err != nil {
		return "", err
	}
	if out.ReservationID == "" {
		return "", apperrors.ErrStockUnavailablef(productID, quantity)
	}
	return out.ReservationID, nil
}

// ReleaseStock frees a reservation. An unknown reservation id counts as
// already released, so release stays idempotent under retries.
func (c *InventoryClient) ReleaseStock(ctx context.Context, sagaID, correlationID, reservationID string) error {
	req := struct {
		ReservationID string `json:"reservation_id"`
	}{ReservationID: reservationID}

	err := c.base.postJSON(ctx, "/api/stock/release", sagaID, correlationID, req, nil)
	if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.CodeResourceNotFound {
		logger.Debug("Reservation already released",
			zap.String("reservation_id", reservationID),
			zap.String("saga_id", sagaID),
		)
		return nil
	}
	return err
}
