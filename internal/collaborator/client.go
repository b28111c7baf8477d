// Package collaborator holds the HTTP clients for the downstream services
// the sale flow talks to: inventory, payment and the store front.
package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// Trace headers propagated on every outbound call.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderSagaID        = "X-Saga-ID"
)

// Clients bundles the downstream service clients.
type Clients struct {
	Inventory *InventoryClient
	Payment   *PaymentClient
	Order     *OrderClient
}

// NewClients builds all collaborator clients sharing one HTTP client with
// the configured call timeout.
func NewClients(inventoryURL, paymentURL, storeURL string, callTimeout time.Duration) *Clients {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: callTimeout}
	return &Clients{
		Inventory: &InventoryClient{base: baseClient{baseURL: inventoryURL, service: "inventory-service", http: httpClient}},
		Payment:   &PaymentClient{base: baseClient{baseURL: paymentURL, service: "payment-service", http: httpClient}},
		Order:     &OrderClient{base: baseClient{baseURL: storeURL, service: "store-service", http: httpClient}},
	}
}

type baseClient struct {
	baseURL string
	service string
	http    *http.Client
}

// postJSON sends a JSON body and decodes a JSON response. Transport errors
// and 5xx responses map to COLLABORATOR_UNAVAILABLE; 4xx responses map to
// a bad request carrying the remote message.
func (c baseClient) postJSON(ctx context.Context, path, sagaID, correlationID string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", c.service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set(HeaderCorrelationID, correlationID)
	}
	if sagaID != "" {
		req.Header.Set(HeaderSagaID, sagaID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warn("Collaborator call failed",
			zap.String("service", c.service),
			zap.String("path", path),
			zap.Error(err),
		)
		return apperrors.ErrCollaboratorUnavailf(c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.NotFound(apperrors.CodeResourceNotFound, c.service+" resource not found")
	}
	if resp.StatusCode >= 500 {
		return apperrors.ErrCollaboratorUnavailf(c.service, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return apperrors.BadRequest(apperrors.CodeCollaboratorRejected, remoteMessage(resp.Body, c.service, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	return nil
}

func remoteMessage(body io.Reader, service string, status int) string {
	var remote struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&remote); err == nil {
		if remote.Message != "" {
			return remote.Message
		}
		if remote.Error != "" {
			return remote.Error
		}
	}
	return fmt.Sprintf("%s rejected the request with status %d", service, status)
}
