package compensation

import (
	"context"
	"sort"
	"sync"
	"time"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// MemoryActionStore is the in-memory ActionStore used by tests and dev
// mode.
type MemoryActionStore struct {
	mu   sync.Mutex
	byID map[string]*domain.CompensationAction
}

// NewMemoryActionStore creates an empty in-memory store.
func NewMemoryActionStore() *MemoryActionStore {
	return &MemoryActionStore{byID: make(map[string]*domain.CompensationAction)}
}

// CreateBatch implements ActionStore.
func (s *MemoryActionStore) CreateBatch(_ context.Context, actions []*domain.CompensationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, action := range actions {
		if _, exists := s.byID[action.ActionID]; exists {
			return apperrors.Conflict(apperrors.CodeValidationFailed, "action already exists")
		}
	}
	for _, action := range actions {
		clone := *action
		s.byID[action.ActionID] = &clone
	}
	return nil
}

// Get implements ActionStore.
func (s *MemoryActionStore) Get(_ context.Context, actionID string) (*domain.CompensationAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.byID[actionID]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeCompensationNotFound, "compensation action not found")
	}
	clone := *action
	return &clone, nil
}

// GetBySaga implements ActionStore.
func (s *MemoryActionStore) GetBySaga(_ context.Context, sagaID string) ([]*domain.CompensationAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.CompensationAction
	for _, action := range s.byID {
		if action.SagaID == sagaID {
			clone := *action
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// Update implements ActionStore.
func (s *MemoryActionStore) Update(_ context.Context, action *domain.CompensationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[action.ActionID]; !ok {
		return apperrors.NotFound(apperrors.CodeCompensationNotFound, "compensation action not found")
	}
	clone := *action
	clone.UpdatedAt = time.Now().UTC()
	s.byID[action.ActionID] = &clone
	action.UpdatedAt = clone.UpdatedAt
	return nil
}

// ClaimReady implements ActionStore. Stale IN_PROGRESS actions count as
// ready: their claim was orphaned by a crash.
func (s *MemoryActionStore) ClaimReady(_ context.Context, now, staleBefore time.Time, limit int) ([]*domain.CompensationAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []*domain.CompensationAction
	for _, action := range s.byID {
		switch {
		case action.Status == domain.CompensationPending && !action.ExecuteAfter.After(now):
			ready = append(ready, action)
		case action.Status == domain.CompensationInProgress && !action.UpdatedAt.After(staleBefore):
			ready = append(ready, action)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Priority < ready[j].Priority })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*domain.CompensationAction, 0, len(ready))
	for _, action := range ready {
		action.Status = domain.CompensationInProgress
		action.UpdatedAt = time.Now().UTC()
		clone := *action
		out = append(out, &clone)
	}
	return out, nil
}

// CountByStatus implements ActionStore.
func (s *MemoryActionStore) CountByStatus(_ context.Context) (map[domain.CompensationStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.CompensationStatus]int64)
	for _, action := range s.byID {
		out[action.Status]++
	}
	return out, nil
}

// DeleteTerminalBefore implements ActionStore. FAILED rows are kept: they
// stay visible for operator attention until handled.
func (s *MemoryActionStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for actionID, action := range s.byID {
		if action.Status.IsTerminal() && action.UpdatedAt.Before(cutoff) {
			delete(s.byID, actionID)
			removed++
		}
	}
	return removed, nil
}
