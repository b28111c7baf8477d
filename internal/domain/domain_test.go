package domain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"salecoord.io/salecoord/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestSagaState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from SagaState
		to   SagaState
		want bool
	}{
		{"initiated to verifying", StateSaleInitiated, StateStockVerifying, true},
		{"verifying to reserving", StateStockVerifying, StateStockReserving, true},
		{"reserving to payment", StateStockReserving, StatePaymentProcessing, true},
		{"payment to confirming", StatePaymentProcessing, StateSaleConfirming, true},
		{"confirming to confirmed", StateSaleConfirming, StateSaleConfirmed, true},
		{"payment to releasing on failure", StatePaymentProcessing, StateStockReleasing, true},
		{"releasing to failed", StateStockReleasing, StateSaleFailed, true},
		{"no skip initiated to confirmed", StateSaleInitiated, StateSaleConfirmed, false},
		{"no skip verifying to payment", StateStockVerifying, StatePaymentProcessing, false},
		{"terminal confirmed has no edges", StateSaleConfirmed, StateSaleFailed, false},
		{"terminal failed has no edges", StateSaleFailed, StateSaleInitiated, false},
		{"no backward edge", StatePaymentProcessing, StateStockVerifying, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSagaState_IsTerminal(t *testing.T) {
	require.True(t, StateSaleConfirmed.IsTerminal())
	require.True(t, StateSaleFailed.IsTerminal())
	require.False(t, StateSaleInitiated.IsTerminal())
	require.False(t, StateStockReleasing.IsTerminal())
}

func TestSagaExecution_FailureTarget(t *testing.T) {
	saga := &SagaExecution{CurrentState: StatePaymentProcessing}
	require.Equal(t, StateSaleFailed, saga.FailureTarget())

	saga.StockReservationID = "res-1"
	require.Equal(t, StateStockReleasing, saga.FailureTarget())

	saga.CurrentState = StateStockReleasing
	require.Equal(t, StateSaleFailed, saga.FailureTarget())
}

func TestChoreographedSagaState_HasCompletedStep(t *testing.T) {
	state := &ChoreographedSagaState{
		CompletedSteps: []string{"OrderCreated", "InventoryReserved"},
	}
	require.True(t, state.HasCompletedStep("OrderCreated"))
	require.False(t, state.HasCompletedStep("PaymentProcessed"))
}

func TestTerminalSteps_IsLastStep(t *testing.T) {
	steps := DefaultTerminalSteps()
	require.True(t, steps.IsLastStep(SagaTypeOrderProcessing, "OrderDelivered"))
	require.True(t, steps.IsLastStep(SagaTypeOrderProcessing, "OrderFulfilled"))
	require.True(t, steps.IsLastStep(SagaTypePaymentProcessing, "PaymentProcessed"))
	require.False(t, steps.IsLastStep(SagaTypeOrderProcessing, "OrderCreated"))
	require.False(t, steps.IsLastStep(SagaTypePaymentProcessing, "OrderDelivered"))
}

func TestNewCompensationAction_Validation(t *testing.T) {
	valid := CompensationParams{
		SagaID:               "saga-1",
		CorrelationID:        "corr-1",
		StepName:             "PaymentProcessed",
		ServiceName:          "payment-service",
		CompensationEndpoint: "/api/payment/refund",
		Priority:             1,
	}

	action, err := NewCompensationAction(valid)
	require.NoError(t, err)
	require.NotEmpty(t, action.ActionID)
	require.Equal(t, CompensationPending, action.Status)
	require.Zero(t, action.RetryCount)
	require.False(t, action.ExecuteAfter.After(time.Now().UTC()))

	tests := []struct {
		name   string
		mutate func(*CompensationParams)
	}{
		{"missing saga id", func(p *CompensationParams) { p.SagaID = "" }},
		{"missing step name", func(p *CompensationParams) { p.StepName = "" }},
		{"missing service name", func(p *CompensationParams) { p.ServiceName = "" }},
		{"missing endpoint", func(p *CompensationParams) { p.CompensationEndpoint = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := valid
			tt.mutate(&params)
			_, err := NewCompensationAction(params)
			require.Error(t, err)
		})
	}
}

func TestCompensationStatus_IsTerminal(t *testing.T) {
	require.True(t, CompensationCompleted.IsTerminal())
	require.True(t, CompensationSkipped.IsTerminal())
	require.True(t, CompensationCancelled.IsTerminal())
	require.False(t, CompensationPending.IsTerminal())
	require.False(t, CompensationFailed.IsTerminal())
}

func TestPayloadRegistry_Decode(t *testing.T) {
	registry := NewPayloadRegistry()

	payload := StockReservedPayload{ReservationID: "res-1", ProductID: "P1", Quantity: 3}
	data, err := payload.ToJSON()
	require.NoError(t, err)

	event, err := NewEvent("sale-1", AggregateTypeSale, EventStockReserved, "corr-1", data)
	require.NoError(t, err)

	decoded, err := registry.Decode(event)
	require.NoError(t, err)
	got, ok := decoded.(*StockReservedPayload)
	require.True(t, ok)
	require.Equal(t, payload, *got)
}

func TestPayloadRegistry_Decode_Unregistered(t *testing.T) {
	registry := NewPayloadRegistry()
	event, err := NewEvent("sale-1", AggregateTypeSale, EventType("Bogus"), "corr-1", nil)
	require.NoError(t, err)

	_, err = registry.Decode(event)
	require.Error(t, err)
}

func TestPaymentPayload_RoundTrip(t *testing.T) {
	payload := PaymentPayload{TransactionID: "txn-1", CustomerID: "42", Amount: 99.5}
	data, err := payload.ToJSON()
	require.NoError(t, err)

	var decoded PaymentPayload
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, payload, decoded)
}

func TestEventDispatcher_DedupesByEventID(t *testing.T) {
	dispatcher := NewEventDispatcher()

	var calls int
	dispatcher.Register(EventPaymentProcessed, func(ctx context.Context, event *Event) error {
		calls++
		return nil
	})

	event, err := NewEvent("sale-1", AggregateTypeSale, EventPaymentProcessed, "corr-1", nil)
	require.NoError(t, err)

	require.NoError(t, dispatcher.Dispatch(context.Background(), event))
	require.NoError(t, dispatcher.Dispatch(context.Background(), event))
	require.Equal(t, 1, calls)
}

func TestEventDispatcher_RetriesAfterHandlerError(t *testing.T) {
	dispatcher := NewEventDispatcher()

	var calls int
	dispatcher.Register(EventPaymentFailed, func(ctx context.Context, event *Event) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	event, err := NewEvent("sale-1", AggregateTypeSale, EventPaymentFailed, "corr-1", nil)
	require.NoError(t, err)

	require.Error(t, dispatcher.Dispatch(context.Background(), event))
	// A failed dispatch is not marked seen; redelivery retries the handler.
	require.NoError(t, dispatcher.Dispatch(context.Background(), event))
	require.Equal(t, 2, calls)
}

func TestStockReservation_IsExpired(t *testing.T) {
	now := time.Now().UTC()
	res := &StockReservation{Status: ReservationActive, ExpiresAt: now.Add(-time.Minute)}
	require.True(t, res.IsExpired(now))

	res.ExpiresAt = now.Add(time.Minute)
	require.False(t, res.IsExpired(now))

	res.Status = ReservationReleased
	res.ExpiresAt = now.Add(-time.Minute)
	require.False(t, res.IsExpired(now))
}
