package collaborator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func newTestClients(t *testing.T, handler http.Handler) *Clients {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClients(server.URL, server.URL, server.URL, 2*time.Second)
}

func TestInventoryClient_VerifyStock(t *testing.T) {
	clients := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/stock/verify", r.URL.Path)
		require.Equal(t, "saga-1", r.Header.Get(HeaderSagaID))
		require.Equal(t, "corr-1", r.Header.Get(HeaderCorrelationID))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"available": false, "message": "only 1 left"}`))
	}))

	check, err := clients.Inventory.VerifyStock(context.Background(), "saga-1", "corr-1", "P1", 5)
	require.NoError(t, err)
	require.False(t, check.Available)
	require.Equal(t, "only 1 left", check.Message)
}

func TestInventoryClient_ReserveAndRelease(t *testing.T) {
	released := 0
	clients := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/stock/reserve":
			_, _ = w.Write([]byte(`{"reservation_id": "res-1"}`))
		case "/api/stock/release":
			released++
			if released > 1 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	ctx := context.Background()
	reservationID, err := clients.Inventory.ReserveStock(ctx, "saga-1", "corr-1", "P1", 2)
	require.NoError(t, err)
	require.Equal(t, "res-1", reservationID)

	require.NoError(t, clients.Inventory.ReleaseStock(ctx, "saga-1", "corr-1", reservationID))
	// Second release hits a 404 and still succeeds.
	require.NoError(t, clients.Inventory.ReleaseStock(ctx, "saga-1", "corr-1", reservationID))
	require.Equal(t, 2, released)
}

func TestPaymentClient_Declined(t *testing.T) {
	clients := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"declined": true, "reason": "card expired"}`))
	}))

	_, err := clients.Payment.ProcessPayment(context.Background(), "saga-1", "corr-1", "42", 99.9)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodePaymentDeclined, appErr.Code)
	require.Equal(t, "card expired", appErr.Message)
}

func TestPaymentClient_ProcessAndRefund(t *testing.T) {
	clients := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/payment/process":
			_, _ = w.Write([]byte(`{"transaction_id": "txn-1"}`))
		case "/api/payment/refund":
			_, _ = w.Write([]byte(`{}`))
		}
	}))

	ctx := context.Background()
	txnID, err := clients.Payment.ProcessPayment(ctx, "saga-1", "corr-1", "42", 10)
	require.NoError(t, err)
	require.Equal(t, "txn-1", txnID)
	require.NoError(t, clients.Payment.RefundPayment(ctx, "saga-1", "corr-1", txnID))
}

func TestOrderClient_CreateAndCancel(t *testing.T) {
	clients := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/orders":
			_, _ = w.Write([]byte(`{"order_id": "ord-1"}`))
		case "/api/orders/cancel":
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	ctx := context.Background()
	orderID, err := clients.Order.CreateOrder(ctx, "saga-1", "corr-1", "42", "P1", 2)
	require.NoError(t, err)
	require.Equal(t, "ord-1", orderID)
	// Unknown order cancels idempotently.
	require.NoError(t, clients.Order.CancelOrder(ctx, "saga-1", "corr-1", orderID))
}

func TestBaseClient_ServerErrorsMapToUnavailable(t *testing.T) {
	clients := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := clients.Inventory.VerifyStock(context.Background(), "saga-1", "corr-1", "P1", 1)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeCollaboratorUnavail, appErr.Code)
	require.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus)
}

func TestBaseClient_ClientErrorCarriesRemoteMessage(t *testing.T) {
	clients := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "quantity must be positive"}`))
	}))

	_, err := clients.Inventory.VerifyStock(context.Background(), "saga-1", "corr-1", "P1", -1)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeCollaboratorRejected, appErr.Code)
	require.Equal(t, "quantity must be positive", appErr.Message)
}

func TestBaseClient_ConnectionRefused(t *testing.T) {
	clients := NewClients("http://127.0.0.1:1", "http://127.0.0.1:1", "http://127.0.0.1:1", time.Second)

	_, err := clients.Inventory.VerifyStock(context.Background(), "saga-1", "corr-1", "P1", 1)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeCollaboratorUnavail, appErr.Code)
}
