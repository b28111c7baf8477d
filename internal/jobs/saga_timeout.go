// Package jobs defines the River Queue maintenance jobs: timeout sweeps
// for both saga styles, compensation processing, reservation expiry and
// retention cleanup. Each job is enqueued on a periodic schedule by the
// application bootstrap.
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

// SagaTimeoutArgs is the periodic sweep that fails orchestrated sagas
// stuck past their execution timeout.
type SagaTimeoutArgs struct{}

// Kind returns the job kind identifier for the orchestrated timeout sweep.
func (SagaTimeoutArgs) Kind() string { return "saga_timeout_sweep" }

// InsertOpts keeps at most one sweep enqueued per minute.
func (SagaTimeoutArgs) InsertOpts() river.InsertOpts {
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

// SagaTimeoutWorker runs the orchestrated timeout sweep.
type SagaTimeoutWorker struct {
	river.WorkerDefaults[SagaTimeoutArgs]
	engine *orchestrator.Engine
}

// NewSagaTimeoutWorker creates the sweep worker.
func NewSagaTimeoutWorker(engine *orchestrator.Engine) *SagaTimeoutWorker {
	return &SagaTimeoutWorker{engine: engine}
}

// Work forces timed-out sagas into their failure path.
func (w *SagaTimeoutWorker) Work(ctx context.Context, _ *river.Job[SagaTimeoutArgs]) error {
	if w == nil || w.engine == nil {
		return fmt.Errorf("saga timeout worker is not initialized")
	}

	timedOut, err := w.engine.HandleTimeouts(ctx)
	if err != nil {
		return fmt.Errorf("sweep timed-out sagas: %w", err)
	}
	if timedOut > 0 {
		logger.Info("saga timeout sweep completed", zap.Int("timed_out", timedOut))
	}
	return nil
}
