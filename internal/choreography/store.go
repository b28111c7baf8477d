// Package choreography tracks sagas whose progress is inferred from
// asynchronously arriving step-completion and step-failure events. The
// coordinator never calls collaborators; it only observes.
package choreography

import (
	"context"
	"time"

	"salecoord.io/salecoord/internal/domain"
)

// StateStore persists choreographed saga state. Update is version-checked
// the same way as the orchestrated execution store: stale version loses
// the CAS and surfaces OPTIMISTIC_LOCK_CONFLICT.
type StateStore interface {
	Create(ctx context.Context, state *domain.ChoreographedSagaState) error
	Get(ctx context.Context, sagaID string) (*domain.ChoreographedSagaState, error)
	GetByCorrelation(ctx context.Context, correlationID string) (*domain.ChoreographedSagaState, error)
	Update(ctx context.Context, state *domain.ChoreographedSagaState, expectedVersion int64) error

	// FindTimedOut returns non-terminal sagas whose timeoutAt has passed.
	FindTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.ChoreographedSagaState, error)

	ListActive(ctx context.Context) ([]*domain.ChoreographedSagaState, error)
	CountByStatus(ctx context.Context) (map[domain.ChoreographedSagaStatus]int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
