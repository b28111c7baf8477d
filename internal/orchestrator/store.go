// Package orchestrator drives the sale saga forward as a central state
// machine, calling collaborator services directly and recording every
// transition with compare-and-swap semantics.
package orchestrator

import (
	"context"
	"time"

	"salecoord.io/salecoord/internal/domain"
)

// ExecutionStore persists orchestrated saga executions.
//
// Update is a version-checked write: the row is only written when its
// stored version equals expectedVersion, and the version advances by one.
// A lost CAS surfaces as OPTIMISTIC_LOCK_CONFLICT so the caller can
// re-read and decide whether to retry.
type ExecutionStore interface {
	Create(ctx context.Context, exec *domain.SagaExecution) error
	Get(ctx context.Context, sagaID string) (*domain.SagaExecution, error)
	Update(ctx context.Context, exec *domain.SagaExecution, expectedVersion int64) error

	// AcquireCustomerProductSlot serializes the concurrent-saga decision
	// for one (customer, product) pair. Active rows for the pair are
	// locked, and only the earliest saga proceeds; later ones get
	// SAGA_ALREADY_ACTIVE.
	AcquireCustomerProductSlot(ctx context.Context, exec *domain.SagaExecution) error

	// FindStale returns non-terminal sagas whose updatedAt is older than
	// the threshold, for the timeout sweep.
	FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*domain.SagaExecution, error)

	CountByState(ctx context.Context) (map[domain.SagaState]int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
