package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/orchestrator"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// ReservationExpiryArgs is the periodic sweep that expires stock
// reservations past their TTL.
type ReservationExpiryArgs struct{}

// Kind returns the job kind identifier for reservation expiry.
func (ReservationExpiryArgs) Kind() string { return "reservation_expiry" }

// InsertOpts keeps at most one sweep enqueued per minute.
func (ReservationExpiryArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// ReservationExpiryWorker expires overdue active reservations.
type ReservationExpiryWorker struct {
	river.WorkerDefaults[ReservationExpiryArgs]
	engine *orchestrator.Engine
}

// NewReservationExpiryWorker creates the expiry worker.
func NewReservationExpiryWorker(engine *orchestrator.Engine) *ReservationExpiryWorker {
	return &ReservationExpiryWorker{engine: engine}
}

// Work flips overdue ACTIVE reservations to EXPIRED.
func (w *ReservationExpiryWorker) Work(ctx context.Context, _ *river.Job[ReservationExpiryArgs]) error {
	if w == nil || w.engine == nil {
		return fmt.Errorf("reservation expiry worker is not initialized")
	}

	expired, err := w.engine.ExpireReservations(ctx)
	if err != nil {
		return fmt.Errorf("expire overdue reservations: %w", err)
	}
	if expired > 0 {
		logger.Info("reservation expiry sweep completed", zap.Int64("expired", expired))
	}
	return nil
}
