package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/compensation"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// CompensationProcessArgs is the periodic tick that executes due
// compensation actions.
type CompensationProcessArgs struct{}

// Kind returns the job kind identifier for compensation processing.
func (CompensationProcessArgs) Kind() string { return "compensation_process" }

// InsertOpts keeps at most one tick enqueued per period. Claiming is
// already safe under concurrency, uniqueness just avoids queue churn.
func (CompensationProcessArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: 15 * time.Second,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// CompensationProcessWorker executes one batch of ready actions.
type CompensationProcessWorker struct {
	river.WorkerDefaults[CompensationProcessArgs]
	coordinator *compensation.Coordinator
}

// NewCompensationProcessWorker creates the processing worker.
func NewCompensationProcessWorker(coordinator *compensation.Coordinator) *CompensationProcessWorker {
	return &CompensationProcessWorker{coordinator: coordinator}
}

// Work claims and executes due actions.
func (w *CompensationProcessWorker) Work(ctx context.Context, _ *river.Job[CompensationProcessArgs]) error {
	if w == nil || w.coordinator == nil {
		return fmt.Errorf("compensation process worker is not initialized")
	}

	processed, err := w.coordinator.ProcessReady(ctx)
	if err != nil {
		return fmt.Errorf("process ready compensation actions: %w", err)
	}
	if processed > 0 {
		logger.Info("compensation processing tick completed", zap.Int("processed", processed))
	}
	return nil
}
