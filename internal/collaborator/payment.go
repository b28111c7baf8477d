package collaborator

import (
	"context"

	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// PaymentClient calls the payment service.
type PaymentClient struct {
	base baseClient
}

// ProcessPayment charges the customer and returns the transaction id.
// A decline comes back as PAYMENT_DECLINED with the provider message.
func (c *PaymentClient) ProcessPayment(ctx context.Context, sagaID, correlationID, customerID string, amount float64) (string, error) {
	req := struct {
		SagaID     string  `json:"saga_id"`
		CustomerID string  `json:"customer_id"`
		Amount     float64 `json:"amount"`
	}{SagaID: sagaID, CustomerID: customerID, Amount: amount}

	var out struct {
		TransactionID string `json:"transaction_id"`
		Declined      bool   `json:"declined"`
		Reason        string `json:"reason,omitempty"`
	}
	if err := c.base.postJSON(ctx, "/api/payment/process", sagaID, correlationID, req, &out); err != nil {
		return "", err
	}
	if out.Declined || out.TransactionID == "" {
		reason := out.Reason
		if reason == "" {
			reason = "payment declined"
		}
		return "", apperrors.Conflict(apperrors.CodePaymentDeclined, reason).
			WithParams(map[string]interface{}{"customer_id": customerID})
	}
	return out.TransactionID, nil
}

// RefundPayment reverses a transaction. Refunding an unknown transaction
// id is treated as already refunded.
func (c *PaymentClient) RefundPayment(ctx context.Context, sagaID, correlationID, transactionID string) error {
	req := struct {
		TransactionID string `json:"transaction_id"`
	}{TransactionID: transactionID}

	err := c.base.postJSON(ctx, "/api/payment/refund", sagaID, correlationID, req, nil)
	if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.CodeResourceNotFound {
		return nil
	}
	return err
}
