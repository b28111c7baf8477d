// Package compensation builds and executes the reverse-order undo plan
// when a saga fails or times out, with retry and backoff.
package compensation

import (
	"context"
	"time"

	"salecoord.io/salecoord/internal/domain"
)

// ActionStore persists compensation actions. Every queued action goes
// through the store so a process restart loses nothing.
type ActionStore interface {
	CreateBatch(ctx context.Context, actions []*domain.CompensationAction) error
	Get(ctx context.Context, actionID string) (*domain.CompensationAction, error)
	GetBySaga(ctx context.Context, sagaID string) ([]*domain.CompensationAction, error)
	Update(ctx context.Context, action *domain.CompensationAction) error

	// ClaimReady atomically moves PENDING actions whose executeAfter has
	// passed to IN_PROGRESS and returns them ordered by priority. Claimed
	// rows are invisible to concurrent sweeps. IN_PROGRESS actions whose
	// updated_at predates staleBefore are reclaimed too: a crash between
	// claim and outcome write must not strand an action.
	ClaimReady(ctx context.Context, now, staleBefore time.Time, limit int) ([]*domain.CompensationAction, error)

	CountByStatus(ctx context.Context) (map[domain.CompensationStatus]int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
