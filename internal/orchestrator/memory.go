package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// MemoryExecutionStore is the in-memory ExecutionStore used by tests and
// dev mode. The single mutex serializes every decision, so it honors the
// same CAS contract as the Postgres store.
type MemoryExecutionStore struct {
	mu    sync.Mutex
	execs map[string]*domain.SagaExecution
}

// NewMemoryExecutionStore creates an empty in-memory store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]*domain.SagaExecution)}
}

// Create implements ExecutionStore.
func (s *MemoryExecutionStore) Create(_ context.Context, exec *domain.SagaExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.SagaID]; exists {
		return apperrors.Conflict(apperrors.CodeValidationFailed, "saga already exists")
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	clone := *exec
	s.execs[exec.SagaID] = &clone
	return nil
}

// Get implements ExecutionStore.
func (s *MemoryExecutionStore) Get(_ context.Context, sagaID string) (*domain.SagaExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[sagaID]
	if !ok {
		return nil, apperrors.ErrSagaNotFoundf(sagaID)
	}
	clone := *exec
	return &clone, nil
}

// Update implements ExecutionStore.
func (s *MemoryExecutionStore) Update(_ context.Context, exec *domain.SagaExecution, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.execs[exec.SagaID]
	if !ok {
		return apperrors.ErrSagaNotFoundf(exec.SagaID)
	}
	if current.Version != expectedVersion {
		return apperrors.ErrOptimisticLockConflictf(exec.SagaID, expectedVersion, current.Version)
	}
	clone := *exec
	clone.Version = expectedVersion + 1
	clone.UpdatedAt = time.Now().UTC()
	clone.CreatedAt = current.CreatedAt
	s.execs[exec.SagaID] = &clone
	exec.Version = clone.Version
	exec.UpdatedAt = clone.UpdatedAt
	return nil
}

// AcquireCustomerProductSlot implements ExecutionStore.
func (s *MemoryExecutionStore) AcquireCustomerProductSlot(_ context.Context, exec *domain.SagaExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.execs {
		if other.SagaID == exec.SagaID || other.IsTerminal() {
			continue
		}
		if other.CustomerID == exec.CustomerID && other.ProductID == exec.ProductID &&
			other.SagaID < exec.SagaID {
			return apperrors.ErrSagaAlreadyActivef(exec.CustomerID, exec.ProductID)
		}
	}
	return nil
}

// FindStale implements ExecutionStore.
func (s *MemoryExecutionStore) FindStale(_ context.Context, olderThan time.Time, limit int) ([]*domain.SagaExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.SagaExecution
	for _, exec := range s.execs {
		if !exec.IsTerminal() && exec.UpdatedAt.Before(olderThan) {
			clone := *exec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByState implements ExecutionStore.
func (s *MemoryExecutionStore) CountByState(_ context.Context) (map[domain.SagaState]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.SagaState]int64)
	for _, exec := range s.execs {
		out[exec.CurrentState]++
	}
	return out, nil
}

// DeleteTerminalBefore implements ExecutionStore.
func (s *MemoryExecutionStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for sagaID, exec := range s.execs {
		if exec.IsTerminal() && exec.UpdatedAt.Before(cutoff) {
			delete(s.execs, sagaID)
			removed++
		}
	}
	return removed, nil
}
