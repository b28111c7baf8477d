package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/metrics"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

const uniqueViolation = "23505"

const eventColumns = `event_id, aggregate_id, aggregate_type, event_type, event_version,
	occurred_at, correlation_id, causation_id, payload, metadata`

// PostgresStore is the production Store backed by a shared pgx pool. The
// unique (aggregate_id, event_version) index is the concurrency backstop:
// two appends racing past the version check cannot both commit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store on the shared connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, event *domain.Event, expectedVersion int64) (*domain.Event, error) {
	stored, err := s.AppendBatch(ctx, []*domain.Event{event}, expectedVersion)
	if err != nil {
		return nil, err
	}
	return stored[0], nil
}

// AppendBatch implements Store. The whole batch commits in one transaction.
func (s *PostgresStore) AppendBatch(ctx context.Context, events []*domain.Event, expectedVersion int64) ([]*domain.Event, error) {
	if len(events) == 0 {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "empty event batch")
	}
	aggregateID := events[0].AggregateID
	for _, event := range events {
		if err := validateEvent(event); err != nil {
			return nil, err
		}
		if event.AggregateID != aggregateID {
			return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "batch spans multiple aggregates")
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(event_version), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("read latest version: %w", err)
	}
	if current != expectedVersion {
		metrics.EventAppends.WithLabelValues("conflict").Inc()
		return nil, apperrors.ErrOptimisticLockConflictf(aggregateID, expectedVersion, current)
	}

	stored := make([]*domain.Event, 0, len(events))
	for i, event := range events {
		clone := *event
		clone.EventVersion = expectedVersion + int64(i) + 1
		if clone.Timestamp.IsZero() {
			clone.Timestamp = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type,
				event_version, occurred_at, correlation_id, causation_id, payload, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			clone.EventID, clone.AggregateID, clone.AggregateType, string(clone.EventType),
			clone.EventVersion, clone.Timestamp, clone.CorrelationID, clone.CausationID,
			clone.Payload, clone.Metadata,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				// A concurrent append won the race between our version
				// check and the insert.
				metrics.EventAppends.WithLabelValues("conflict").Inc()
				return nil, apperrors.ErrOptimisticLockConflictf(aggregateID, expectedVersion, clone.EventVersion)
			}
			return nil, fmt.Errorf("insert event %s: %w", clone.EventID, err)
		}
		stored = append(stored, &clone)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	for range stored {
		metrics.EventAppends.WithLabelValues("ok").Inc()
	}
	return stored, nil
}

// GetEvents implements Store.
func (s *PostgresStore) GetEvents(ctx context.Context, aggregateID string) ([]*domain.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+`
		FROM events WHERE aggregate_id = $1 ORDER BY event_version`, aggregateID)
}

// GetEventsFromVersion implements Store.
func (s *PostgresStore) GetEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+`
		FROM events WHERE aggregate_id = $1 AND event_version >= $2 ORDER BY event_version`,
		aggregateID, fromVersion)
}

// GetEventsUpToVersion implements Store.
func (s *PostgresStore) GetEventsUpToVersion(ctx context.Context, aggregateID string, toVersion int64) ([]*domain.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+`
		FROM events WHERE aggregate_id = $1 AND event_version <= $2 ORDER BY event_version`,
		aggregateID, toVersion)
}

// GetEventsByType implements Store.
func (s *PostgresStore) GetEventsByType(ctx context.Context, eventType domain.EventType) ([]*domain.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+`
		FROM events WHERE event_type = $1 ORDER BY occurred_at`, string(eventType))
}

// GetEventsByCorrelationID implements Store.
func (s *PostgresStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*domain.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+`
		FROM events WHERE correlation_id = $1 ORDER BY occurred_at`, correlationID)
}

// GetEventsByTimeRange implements Store.
func (s *PostgresStore) GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]*domain.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+`
		FROM events WHERE occurred_at >= $1 AND occurred_at <= $2 ORDER BY occurred_at`, from, to)
}

// GetEventByID implements Store.
func (s *PostgresStore) GetEventByID(ctx context.Context, eventID string) (*domain.Event, error) {
	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+`
		FROM events WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeEventNotFound, "event not found")
	}
	return events[0], nil
}

// GetEventsForAggregates implements Store.
func (s *PostgresStore) GetEventsForAggregates(ctx context.Context, aggregateIDs []string) (map[string][]*domain.Event, error) {
	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+`
		FROM events WHERE aggregate_id = ANY($1) ORDER BY aggregate_id, event_version`, aggregateIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*domain.Event, len(aggregateIDs))
	for _, id := range aggregateIDs {
		out[id] = nil
	}
	for _, event := range events {
		out[event.AggregateID] = append(out[event.AggregateID], event)
	}
	return out, nil
}

// ListEvents implements Store. The tiebreak on aggregate and version
// keeps pages stable when timestamps collide.
func (s *PostgresStore) ListEvents(ctx context.Context, limit, offset int) ([]*domain.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+`
		FROM events ORDER BY occurred_at, aggregate_id, event_version
		LIMIT $1 OFFSET $2`, limit, offset)
}

// GetLatestVersion implements Store.
func (s *PostgresStore) GetLatestVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(event_version), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return version, nil
}

// AggregateExists implements Store.
func (s *PostgresStore) AggregateExists(ctx context.Context, aggregateID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE aggregate_id = $1)`,
		aggregateID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("aggregate exists: %w", err)
	}
	return exists, nil
}

// GetEventCount implements Store.
func (s *PostgresStore) GetEventCount(ctx context.Context, aggregateID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE aggregate_id = $1`, aggregateID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return count, nil
}

// GetTotalEventCount implements Store.
func (s *PostgresStore) GetTotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

// DeleteEventsBefore implements Store.
func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, sql string, args ...interface{}) ([]*domain.Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*domain.Event, error) {
	var out []*domain.Event
	for rows.Next() {
		var event domain.Event
		var eventType string
		if err := rows.Scan(
			&event.EventID, &event.AggregateID, &event.AggregateType, &eventType,
			&event.EventVersion, &event.Timestamp, &event.CorrelationID, &event.CausationID,
			&event.Payload, &event.Metadata,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EventType = domain.EventType(eventType)
		out = append(out, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
