package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/metrics"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// MemoryStore is an in-memory Store used by tests and dev mode. It honors
// the same optimistic concurrency contract as PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]*domain.Event
	byID    map[string]*domain.Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]*domain.Event),
		byID:    make(map[string]*domain.Event),
	}
}

func validateEvent(event *domain.Event) error {
	switch {
	case event == nil:
		return apperrors.BadRequest(apperrors.CodeValidationFailed, "event is nil")
	case event.EventID == "":
		return apperrors.BadRequest(apperrors.CodeValidationFailed, "event id is required")
	case event.AggregateID == "":
		return apperrors.BadRequest(apperrors.CodeValidationFailed, "aggregate id is required")
	case event.EventType == "":
		return apperrors.BadRequest(apperrors.CodeValidationFailed, "event type is required")
	}
	return nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, event *domain.Event, expectedVersion int64) (*domain.Event, error) {
	stored, err := m.AppendBatch(ctx, []*domain.Event{event}, expectedVersion)
	if err != nil {
		return nil, err
	}
	return stored[0], nil
}

// AppendBatch implements Store. All events must target the same aggregate;
// a conflict aborts the whole batch.
func (m *MemoryStore) AppendBatch(ctx context.Context, events []*domain.Event, expectedVersion int64) ([]*domain.Event, error) {
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

	m.mu.Lock()
	defer m.mu.Unlock()

	current := int64(len(m.streams[aggregateID]))
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
		if _, dup := m.byID[clone.EventID]; dup {
			metrics.EventAppends.WithLabelValues("duplicate").Inc()
			return nil, apperrors.Conflict(apperrors.CodeValidationFailed,
				fmt.Sprintf("event %s already appended", clone.EventID))
		}
		stored = append(stored, &clone)
	}
	for _, event := range stored {
		m.streams[aggregateID] = append(m.streams[aggregateID], event)
		m.byID[event.EventID] = event
		metrics.EventAppends.WithLabelValues("ok").Inc()
	}
	return copyEvents(stored), nil
}

// GetEvents implements Store.
func (m *MemoryStore) GetEvents(ctx context.Context, aggregateID string) ([]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEvents(m.streams[aggregateID]), nil
}

// GetEventsFromVersion implements Store.
func (m *MemoryStore) GetEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int64) ([]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Event
	for _, event := range m.streams[aggregateID] {
		if event.EventVersion >= fromVersion {
			out = append(out, event)
		}
	}
	return copyEvents(out), nil
}

// GetEventsUpToVersion implements Store.
func (m *MemoryStore) GetEventsUpToVersion(ctx context.Context, aggregateID string, toVersion int64) ([]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Event
	for _, event := range m.streams[aggregateID] {
		if event.EventVersion <= toVersion {
			out = append(out, event)
		}
	}
	return copyEvents(out), nil
}

// GetEventsByType implements Store. Results are ordered by timestamp.
func (m *MemoryStore) GetEventsByType(ctx context.Context, eventType domain.EventType) ([]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Event
	for _, stream := range m.streams {
		for _, event := range stream {
			if event.EventType == eventType {
				out = append(out, event)
			}
		}
	}
	sortByTime(out)
	return copyEvents(out), nil
}

// GetEventsByCorrelationID implements Store.
func (m *MemoryStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Event
	for _, stream := range m.streams {
		for _, event := range stream {
			if event.CorrelationID == correlationID {
				out = append(out, event)
			}
		}
	}
	sortByTime(out)
	return copyEvents(out), nil
}

// GetEventsByTimeRange implements Store. Bounds are inclusive.
func (m *MemoryStore) GetEventsByTimeRange(ctx context.Context, from, to time.Time) ([]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Event
	for _, stream := range m.streams {
		for _, event := range stream {
			if !event.Timestamp.Before(from) && !event.Timestamp.After(to) {
				out = append(out, event)
			}
		}
	}
	sortByTime(out)
	return copyEvents(out), nil
}

// GetEventByID implements Store.
func (m *MemoryStore) GetEventByID(ctx context.Context, eventID string) (*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.byID[eventID]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeEventNotFound, "event not found")
	}
	clone := *event
	return &clone, nil
}

// GetEventsForAggregates implements Store.
func (m *MemoryStore) GetEventsForAggregates(ctx context.Context, aggregateIDs []string) (map[string][]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]*domain.Event, len(aggregateIDs))
	for _, id := range aggregateIDs {
		out[id] = copyEvents(m.streams[id])
	}
	return out, nil
}

// ListEvents implements Store. Ordering matches the Postgres listing so
// pages stay stable when timestamps collide.
func (m *MemoryStore) ListEvents(ctx context.Context, limit, offset int) ([]*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*domain.Event, 0, len(m.byID))
	for _, stream := range m.streams {
		all = append(all, stream...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.AggregateID != b.AggregateID {
			return a.AggregateID < b.AggregateID
		}
		return a.EventVersion < b.EventVersion
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return copyEvents(all), nil
}

// GetLatestVersion implements Store.
func (m *MemoryStore) GetLatestVersion(ctx context.Context, aggregateID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.streams[aggregateID])), nil
}

// AggregateExists implements Store.
func (m *MemoryStore) AggregateExists(ctx context.Context, aggregateID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams[aggregateID]) > 0, nil
}

// GetEventCount implements Store.
func (m *MemoryStore) GetEventCount(ctx context.Context, aggregateID string) (int64, error) {
	return m.GetLatestVersion(ctx, aggregateID)
}

// GetTotalEventCount implements Store.
func (m *MemoryStore) GetTotalEventCount(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.byID)), nil
}

// DeleteEventsBefore implements Store. Version contiguity is preserved only
// from the oldest retained event onward; retention should target aggregates
// whose whole stream is terminal and old.
func (m *MemoryStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, stream := range m.streams {
		kept := stream[:0]
		for _, event := range stream {
			if event.Timestamp.Before(cutoff) {
				delete(m.byID, event.EventID)
				removed++
				continue
			}
			kept = append(kept, event)
		}
		if len(kept) == 0 {
			delete(m.streams, id)
			continue
		}
		m.streams[id] = kept
	}
	return removed, nil
}

func copyEvents(events []*domain.Event) []*domain.Event {
	out := make([]*domain.Event, len(events))
	for i, event := range events {
		clone := *event
		out[i] = &clone
	}
	return out
}

func sortByTime(events []*domain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
