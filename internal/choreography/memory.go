package choreography

import (
	"context"
	"sort"
	"sync"
	"time"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// MemoryStateStore is the in-memory StateStore used by tests and dev mode.
type MemoryStateStore struct {
	mu            sync.Mutex
	bySagaID      map[string]*domain.ChoreographedSagaState
	byCorrelation map[string]string
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		bySagaID:      make(map[string]*domain.ChoreographedSagaState),
		byCorrelation: make(map[string]string),
	}
}

// Create implements StateStore. Correlation ids are unique across sagas.
func (s *MemoryStateStore) Create(_ context.Context, state *domain.ChoreographedSagaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bySagaID[state.SagaID]; exists {
		return apperrors.Conflict(apperrors.CodeValidationFailed, "saga already exists")
	}
	if _, exists := s.byCorrelation[state.CorrelationID]; exists {
		return apperrors.Conflict(apperrors.CodeValidationFailed,
			"a saga already tracks this correlation id")
	}
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	clone := cloneState(state)
	s.bySagaID[state.SagaID] = clone
	s.byCorrelation[state.CorrelationID] = state.SagaID
	return nil
}

// Get implements StateStore.
func (s *MemoryStateStore) Get(_ context.Context, sagaID string) (*domain.ChoreographedSagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.bySagaID[sagaID]
	if !ok {
		return nil, apperrors.ErrSagaNotFoundf(sagaID)
	}
	return cloneState(state), nil
}

// GetByCorrelation implements StateStore.
func (s *MemoryStateStore) GetByCorrelation(_ context.Context, correlationID string) (*domain.ChoreographedSagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sagaID, ok := s.byCorrelation[correlationID]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeSagaNotFound, "no saga for correlation id").
			WithParams(map[string]interface{}{"correlation_id": correlationID})
	}
	return cloneState(s.bySagaID[sagaID]), nil
}

// Update implements StateStore.
func (s *MemoryStateStore) Update(_ context.Context, state *domain.ChoreographedSagaState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.bySagaID[state.SagaID]
	if !ok {
		return apperrors.ErrSagaNotFoundf(state.SagaID)
	}
	if current.Version != expectedVersion {
		return apperrors.ErrOptimisticLockConflictf(state.SagaID, expectedVersion, current.Version)
	}
	clone := cloneState(state)
	clone.Version = expectedVersion + 1
	clone.UpdatedAt = time.Now().UTC()
	clone.CreatedAt = current.CreatedAt
	s.bySagaID[state.SagaID] = clone
	state.Version = clone.Version
	state.UpdatedAt = clone.UpdatedAt
	return nil
}

// FindTimedOut implements StateStore.
func (s *MemoryStateStore) FindTimedOut(_ context.Context, now time.Time, limit int) ([]*domain.ChoreographedSagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ChoreographedSagaState
	for _, state := range s.bySagaID {
		if !state.Status.IsTerminal() && state.Status != domain.ChoreoStatusTimedOut &&
			now.After(state.TimeoutAt) {
			out = append(out, cloneState(state))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActive implements StateStore.
func (s *MemoryStateStore) ListActive(_ context.Context) ([]*domain.ChoreographedSagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ChoreographedSagaState
	for _, state := range s.bySagaID {
		if !state.Status.IsTerminal() {
			out = append(out, cloneState(state))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountByStatus implements StateStore.
func (s *MemoryStateStore) CountByStatus(_ context.Context) (map[domain.ChoreographedSagaStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ChoreographedSagaStatus]int64)
	for _, state := range s.bySagaID {
		out[state.Status]++
	}
	return out, nil
}

// DeleteTerminalBefore implements StateStore.
func (s *MemoryStateStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for sagaID, state := range s.bySagaID {
		if state.Status.IsTerminal() && state.UpdatedAt.Before(cutoff) {
			delete(s.bySagaID, sagaID)
			delete(s.byCorrelation, state.CorrelationID)
			removed++
		}
	}
	return removed, nil
}

func cloneState(state *domain.ChoreographedSagaState) *domain.ChoreographedSagaState {
	clone := *state
	clone.CompletedSteps = append([]string(nil), state.CompletedSteps...)
	clone.FailedSteps = append([]string(nil), state.FailedSteps...)
	if state.SagaData != nil {
		clone.SagaData = make(map[string]string, len(state.SagaData))
		for k, v := range state.SagaData {
			clone.SagaData[k] = v
		}
	}
	return &clone
}
