package collaborator

import (
	"context"

	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// OrderClient calls the store service for order confirmation.
type OrderClient struct {
	base baseClient
}

// CreateOrder confirms the sale as an order and returns the order id.
func (c *OrderClient) CreateOrder(ctx context.Context, sagaID, correlationID, customerID, productID string, quantity int) (string, error) {
	req := struct {
		SagaID     string `json:"saga_id"`
		CustomerID string `json:"customer_id"`
		ProductID  string `json:"product_id"`
		Quantity   int    `json:"quantity"`
	}{SagaID: sagaID, CustomerID: customerID, ProductID: productID, Quantity: quantity}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := c.base.postJSON(ctx, "/api/orders", sagaID, correlationID, req, &out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

// CancelOrder voids an order. Cancelling an unknown order id is treated
// as already cancelled.
func (c *OrderClient) CancelOrder(ctx context.Context, sagaID, correlationID, orderID string) error {
	req := struct {
		OrderID string `json:"order_id"`
	}{OrderID: orderID}

	err := c.base.postJSON(ctx, "/api/orders/cancel", sagaID, correlationID, req, nil)
	if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.CodeResourceNotFound {
		return nil
	}
	return err
}
