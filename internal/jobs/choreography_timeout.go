package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/choreography"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// ChoreographyTimeoutArgs is the periodic sweep that times out
// choreographed sagas whose deadline has passed.
type ChoreographyTimeoutArgs struct{}

// Kind returns the job kind identifier for the choreographed timeout sweep.
func (ChoreographyTimeoutArgs) Kind() string { return "choreography_timeout_sweep" }

// InsertOpts keeps at most one sweep enqueued per minute.
func (ChoreographyTimeoutArgs) InsertOpts() river.InsertOpts {
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

// ChoreographyTimeoutWorker runs the choreographed timeout sweep.
type ChoreographyTimeoutWorker struct {
	river.WorkerDefaults[ChoreographyTimeoutArgs]
	coordinator *choreography.Coordinator
}

// NewChoreographyTimeoutWorker creates the sweep worker.
func NewChoreographyTimeoutWorker(coordinator *choreography.Coordinator) *ChoreographyTimeoutWorker {
	return &ChoreographyTimeoutWorker{coordinator: coordinator}
}

// Work marks overdue sagas TIMED_OUT and queues compensation where steps
// already completed.
func (w *ChoreographyTimeoutWorker) Work(ctx context.Context, _ *river.Job[ChoreographyTimeoutArgs]) error {
	if w == nil || w.coordinator == nil {
		return fmt.Errorf("choreography timeout worker is not initialized")
	}

	timedOut, err := w.coordinator.HandleTimeouts(ctx)
	if err != nil {
		return fmt.Errorf("sweep timed-out choreographed sagas: %w", err)
	}
	if timedOut > 0 {
		logger.Info("choreography timeout sweep completed", zap.Int("timed_out", timedOut))
	}
	return nil
}
