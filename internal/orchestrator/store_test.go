package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func newExecution(sagaID string) *domain.SagaExecution {
	return &domain.SagaExecution{
		SagaID:        sagaID,
		CorrelationID: "corr-" + sagaID,
		CustomerID:    "42",
		ProductID:     "P1",
		Quantity:      2,
		Amount:        99.9,
		CurrentState:  domain.StateSaleInitiated,
		Version:       1,
	}
}

func TestMemoryExecutionStore_UpdateIsVersionChecked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryExecutionStore()

	exec := newExecution("saga-1")
	require.NoError(t, store.Create(ctx, exec))

	next := *exec
	next.CurrentState = domain.StateStockVerifying
	require.NoError(t, store.Update(ctx, &next, 1))
	require.Equal(t, int64(2), next.Version)

	// A second caller holding the old version loses the CAS.
	stale := *exec
	stale.CurrentState = domain.StateSaleFailed
	err := store.Update(ctx, &stale, 1)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeOptimisticLockConflict, appErr.Code)

	current, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	require.Equal(t, domain.StateStockVerifying, current.CurrentState)
	require.Equal(t, int64(2), current.Version)
}

func TestMemoryExecutionStore_ConcurrentUpdateSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryExecutionStore()
	require.NoError(t, store.Create(ctx, newExecution("saga-1")))

	const racers = 8
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			exec := newExecution("saga-1")
			exec.CurrentState = domain.StateStockVerifying
			results <- store.Update(ctx, exec, 1)
		}()
	}

	var wins int
	for i := 0; i < racers; i++ {
		if err := <-results; err == nil {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestMemoryExecutionStore_AcquireCustomerProductSlot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryExecutionStore()

	first := newExecution("saga-a")
	second := newExecution("saga-b")
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	// The earlier saga id wins, the later one is rejected.
	require.NoError(t, store.AcquireCustomerProductSlot(ctx, first))
	err := store.AcquireCustomerProductSlot(ctx, second)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeSagaAlreadyActive, appErr.Code)

	// Once the winner is terminal the slot frees up.
	first.CurrentState = domain.StateSaleFailed
	require.NoError(t, store.Update(ctx, first, 1))
	require.NoError(t, store.AcquireCustomerProductSlot(ctx, second))
}

func TestMemoryExecutionStore_SlotIgnoresOtherProducts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryExecutionStore()

	first := newExecution("saga-a")
	other := newExecution("saga-b")
	other.ProductID = "P2"
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, other))

	require.NoError(t, store.AcquireCustomerProductSlot(ctx, other))
}

func TestMemoryExecutionStore_FindStaleAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryExecutionStore()

	active := newExecution("saga-a")
	active.CurrentState = domain.StatePaymentProcessing
	require.NoError(t, store.Create(ctx, active))

	terminal := newExecution("saga-b")
	terminal.CurrentState = domain.StateSaleConfirmed
	require.NoError(t, store.Create(ctx, terminal))

	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()

	stale, err := store.FindStale(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "saga-a", stale[0].SagaID)

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[domain.StatePaymentProcessing])
	require.Equal(t, int64(1), counts[domain.StateSaleConfirmed])

	removed, err := store.DeleteTerminalBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, err = store.Get(ctx, "saga-b")
	require.Error(t, err)
}
