package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/choreography"
	"salecoord.io/salecoord/internal/compensation"
	"salecoord.io/salecoord/internal/eventstore"
	"salecoord.io/salecoord/internal/orchestrator"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// DefaultRetentionWindow is the retention baseline for old events and
// terminal saga records.
const DefaultRetentionWindow = 30 * 24 * time.Hour

// RetentionCleanupArgs is the periodic maintenance job that removes
// events and terminal saga records past the retention window.
type RetentionCleanupArgs struct{}

// Kind returns the job kind identifier for retention cleanup.
func (RetentionCleanupArgs) Kind() string { return "retention_cleanup" }

// InsertOpts ensures at most one cleanup job is enqueued within the same day.
func (RetentionCleanupArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: 24 * time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// RetentionCleanupWorker deletes records older than the configured
// retention window across the event store and both saga stores.
type RetentionCleanupWorker struct {
	river.WorkerDefaults[RetentionCleanupArgs]
	events        eventstore.Store
	engine        *orchestrator.Engine
	choreographer *choreography.Coordinator
	compensator   *compensation.Coordinator
	window        time.Duration
}

// NewRetentionCleanupWorker creates a cleanup worker. Non-positive window
// falls back to the 30-day default.
func NewRetentionCleanupWorker(
	events eventstore.Store,
	engine *orchestrator.Engine,
	choreographer *choreography.Coordinator,
	compensator *compensation.Coordinator,
	window time.Duration,
) *RetentionCleanupWorker {
	if window <= 0 {
		window = DefaultRetentionWindow
	}
	return &RetentionCleanupWorker{
		events:        events,
		engine:        engine,
		choreographer: choreographer,
		compensator:   compensator,
		window:        window,
	}
}

// Work removes expired rows. A failure in one store does not block the
// others; the first error is returned after all stores ran.
func (w *RetentionCleanupWorker) Work(ctx context.Context, _ *river.Job[RetentionCleanupArgs]) error {
	if w == nil || w.events == nil {
		return fmt.Errorf("retention cleanup worker is not initialized")
	}

	cutoff := time.Now().UTC().Add(-w.window)

	var firstErr error
	record := func(what string, removed int64, err error) int64 {
		if err != nil {
			logger.Error("retention cleanup step failed",
				zap.String("target", what), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("cleanup %s: %w", what, err)
			}
			return 0
		}
		return removed
	}

	var events, executions, choreographed, actions int64
	removed, err := w.events.DeleteEventsBefore(ctx, cutoff)
	events = record("events", removed, err)
	if w.engine != nil {
		removed, err = w.engine.CleanupTerminal(ctx, cutoff)
		executions = record("saga executions", removed, err)
	}
	if w.choreographer != nil {
		removed, err = w.choreographer.CleanupTerminal(ctx, cutoff)
		choreographed = record("choreographed sagas", removed, err)
	}
	if w.compensator != nil {
		removed, err = w.compensator.CleanupTerminal(ctx, cutoff)
		actions = record("compensation actions", removed, err)
	}

	logger.Info("retention cleanup completed",
		zap.Int64("events", events),
		zap.Int64("saga_executions", executions),
		zap.Int64("choreographed_sagas", choreographed),
		zap.Int64("compensation_actions", actions),
		zap.String("cutoff", cutoff.Format(time.RFC3339)),
		zap.Duration("window", w.window),
	)
	return firstErr
}
