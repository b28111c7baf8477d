// Package eventstore provides the durable, append-only, per-aggregate
// event log with optimistic version control, plus state reconstruction
// on top of it.
package eventstore

import (
	"context"
	"time"

	"salecoord.io/salecoord/internal/domain"
)

// Store is the event log port. Two implementations exist: PostgresStore
// for production and MemoryStore for tests and dev mode. Both enforce the
// same contract: for a given aggregate, event versions are contiguous
// starting at 1, and an append whose expected version does not match the
// current latest fails with an optimistic lock conflict.
type Store interface {
	// Append appends one event. expectedVersion is the caller's view of
	// the aggregate's latest version (0 for a new aggregate); on success
	// the stored event carries version expectedVersion+1.
	Append(ctx context.Context, event *domain.Event, expectedVersion int64) (*domain.Event, error)

	// AppendBatch appends events atomically. A conflict on any event
	// aborts the whole batch with no partial writes.
	AppendBatch(ctx context.Context, events []*domain.Event, expectedVersion int64) ([]*domain.Event, error)

	GetEvents(ctx context.Context, aggregateID string) ([]*domain.Event, error)
	GetEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.Event, error)
	GetEventsUpToVersion(ctx context.Context, aggregateID string, toVersion int64) ([]*domain.Event, error)
	GetEventsByType(ctx context.Context, eventType domain.EventType) ([]*domain.Event, error)
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*domain.Event, error)
	GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]*domain.Event, error)
	GetEventByID(ctx context.Context, eventID string) (*domain.Event, error)
	GetEventsForAggregates(ctx context.Context, aggregateIDs []string) (map[string][]*domain.Event, error)

	// ListEvents pages through the whole log, oldest first. Pair with
	// GetTotalEventCount for page math.
	ListEvents(ctx context.Context, limit, offset int) ([]*domain.Event, error)

	// GetLatestVersion returns 0 when the aggregate has no events.
	GetLatestVersion(ctx context.Context, aggregateID string) (int64, error)
	AggregateExists(ctx context.Context, aggregateID string) (bool, error)
	GetEventCount(ctx context.Context, aggregateID string) (int64, error)
	GetTotalEventCount(ctx context.Context) (int64, error)

	// DeleteEventsBefore removes events older than cutoff. Retention
	// cleanup is the only mutation besides append.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
