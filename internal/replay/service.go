// Package replay drives bulk and async replay of stored events through
// pluggable handlers, for operational recovery and debugging.
package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/eventstore"
	"salecoord.io/salecoord/internal/metrics"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
	"salecoord.io/salecoord/internal/pkg/worker"
)

// Handler receives replay lifecycle callbacks. Handle is called per event
// in version order; returning an error stops the replay unless
// OnReplayError signals continue.
type Handler interface {
	OnReplayStart(ctx context.Context)
	Handle(ctx context.Context, event *domain.Event) error
	// OnReplayError reports a handler failure. Returning true continues
	// the replay with the next event; false aborts it.
	OnReplayError(ctx context.Context, event *domain.Event, err error) bool
	OnReplayComplete(ctx context.Context, count int)
}

// Status is the lifecycle of an async replay run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Handle tracks one async replay. It stays queryable until explicitly
// cleared.
type Handle struct {
	ReplayID    string    `json:"replay_id"`
	AggregateID string    `json:"aggregate_id,omitempty"`
	Status      Status    `json:"status"`
	Processed   int       `json:"processed"`
	Total       int       `json:"total"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

type replayRun struct {
	mu        sync.Mutex
	handle    Handle
	cancelled bool
}

func (r *replayRun) snapshot() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

func (r *replayRun) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Service replays stored events through handlers.
type Service struct {
	store eventstore.Store
	pools *worker.Pools
	runs  *xsync.MapOf[string, *replayRun]
}

// NewService creates a replay service. Async replays run on the replay
// worker pool.
func NewService(store eventstore.Store, pools *worker.Pools) *Service {
	return &Service{
		store: store,
		pools: pools,
		runs:  xsync.NewMapOf[string, *replayRun](),
	}
}

// ReplayAggregate replays all events of one aggregate synchronously.
// Returns the number of events handled.
func (s *Service) ReplayAggregate(ctx context.Context, aggregateID string, handler Handler) (int, error) {
	events, err := s.store.GetEvents(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	metrics.ReplaysStarted.WithLabelValues("sync").Inc()
	return s.run(ctx, aggregateID, events, handler, nil)
}

// ReplayAggregateFromVersion replays events with version >= fromVersion.
func (s *Service) ReplayAggregateFromVersion(ctx context.Context, aggregateID string, fromVersion int64, handler Handler) (int, error) {
	events, err := s.store.GetEventsFromVersion(ctx, aggregateID, fromVersion)
	if err != nil {
		return 0, err
	}
	metrics.ReplaysStarted.WithLabelValues("sync").Inc()
	return s.run(ctx, aggregateID, events, handler, nil)
}

// ReplayAggregateUpToVersion replays events with version <= toVersion.
func (s *Service) ReplayAggregateUpToVersion(ctx context.Context, aggregateID string, toVersion int64, handler Handler) (int, error) {
	events, err := s.store.GetEventsUpToVersion(ctx, aggregateID, toVersion)
	if err != nil {
		return 0, err
	}
	metrics.ReplaysStarted.WithLabelValues("sync").Inc()
	return s.run(ctx, aggregateID, events, handler, nil)
}

// ReplayEventsByType replays all events of one type across aggregates.
func (s *Service) ReplayEventsByType(ctx context.Context, eventType domain.EventType, handler Handler) (int, error) {
	events, err := s.store.GetEventsByType(ctx, eventType)
	if err != nil {
		return 0, err
	}
	metrics.ReplaysStarted.WithLabelValues("sync").Inc()
	return s.run(ctx, "", events, handler, nil)
}

// ReplayEventsByTimeRange replays events in [from, to].
func (s *Service) ReplayEventsByTimeRange(ctx context.Context, from, to time.Time, handler Handler) (int, error) {
	events, err := s.store.GetEventsByTimeRange(ctx, from, to)
	if err != nil {
		return 0, err
	}
	metrics.ReplaysStarted.WithLabelValues("sync").Inc()
	return s.run(ctx, "", events, handler, nil)
}

// ReplayAggregateAsync starts a non-blocking replay and returns its handle
// id. Progress and outcome are queryable via GetReplayStatus.
func (s *Service) ReplayAggregateAsync(ctx context.Context, aggregateID string, handler Handler) (string, error) {
	events, err := s.store.GetEvents(ctx, aggregateID)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate replay id: %w", err)
	}
	run := &replayRun{handle: Handle{
		ReplayID:    id.String(),
		AggregateID: aggregateID,
		Status:      StatusRunning,
		Total:       len(events),
		StartedAt:   time.Now().UTC(),
	}}
	s.runs.Store(run.handle.ReplayID, run)

	err = s.pools.Replay.Submit(ctx, func(ctx context.Context) {
		_, runErr := s.run(ctx, aggregateID, events, handler, run)
		run.mu.Lock()
		defer run.mu.Unlock()
		run.handle.FinishedAt = time.Now().UTC()
		switch {
		case run.cancelled:
			run.handle.Status = StatusCancelled
		case runErr != nil:
			run.handle.Status = StatusFailed
			run.handle.Error = runErr.Error()
		default:
			run.handle.Status = StatusCompleted
		}
	})
	if err != nil {
		s.runs.Delete(run.handle.ReplayID)
		return "", fmt.Errorf("submit replay: %w", err)
	}
	metrics.ReplaysStarted.WithLabelValues("async").Inc()
	return run.handle.ReplayID, nil
}

// GetReplayStatus returns the current snapshot of an async replay.
func (s *Service) GetReplayStatus(replayID string) (Handle, error) {
	run, ok := s.runs.Load(replayID)
	if !ok {
		return Handle{}, apperrors.NotFound(apperrors.CodeReplayNotFound, "replay not found")
	}
	return run.snapshot(), nil
}

// CancelReplay requests cooperative cancellation: the flag is checked
// between events, running handler calls are not interrupted.
func (s *Service) CancelReplay(replayID string) error {
	run, ok := s.runs.Load(replayID)
	if !ok {
		return apperrors.NotFound(apperrors.CodeReplayNotFound, "replay not found")
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.handle.Status == StatusRunning {
		run.cancelled = true
	}
	return nil
}

// ClearReplayStatus drops a finished replay handle. Running replays are
// kept so their outcome stays observable.
func (s *Service) ClearReplayStatus(replayID string) error {
	run, ok := s.runs.Load(replayID)
	if !ok {
		return apperrors.NotFound(apperrors.CodeReplayNotFound, "replay not found")
	}
	if run.snapshot().Status == StatusRunning {
		return apperrors.Conflict(apperrors.CodeReplayFailed, "replay is still running")
	}
	s.runs.Delete(replayID)
	return nil
}

// run drives the handler lifecycle over an ordered event slice.
func (s *Service) run(ctx context.Context, aggregateID string, events []*domain.Event, handler Handler, async *replayRun) (int, error) {
	if aggregateID != "" && !isEventOrderValid(events) {
		logger.Warn("Replay events are not in contiguous version order",
			zap.String("aggregate_id", aggregateID),
			zap.Int("events", len(events)),
		)
	}

	handler.OnReplayStart(ctx)
	processed := 0
	for _, event := range events {
		if async != nil && async.isCancelled() {
			logger.Info("Replay cancelled",
				zap.String("replay_id", async.handle.ReplayID),
				zap.Int("processed", processed),
			)
			return processed, nil
		}
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}

		if err := handler.Handle(ctx, event); err != nil {
			if !handler.OnReplayError(ctx, event, err) {
				return processed, fmt.Errorf("replay stopped at event %s: %w", event.EventID, err)
			}
			continue
		}
		processed++
		if async != nil {
			async.mu.Lock()
			async.handle.Processed = processed
			async.mu.Unlock()
		}
	}
	handler.OnReplayComplete(ctx, processed)
	return processed, nil
}

// isEventOrderValid checks that per-aggregate versions ascend one by one
// from the first replayed event.
func isEventOrderValid(events []*domain.Event) bool {
	for i := 1; i < len(events); i++ {
		if events[i].EventVersion != events[i-1].EventVersion+1 {
			return false
		}
	}
	return true
}
