package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

const executionColumns = `saga_id, correlation_id, customer_id, product_id, quantity,
	amount, current_state, version, stock_reservation_id, payment_txn_id, order_id,
	error_message, created_at, updated_at`

// PostgresExecutionStore is the production ExecutionStore.
type PostgresExecutionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresExecutionStore creates a store on the shared pool.
func NewPostgresExecutionStore(pool *pgxpool.Pool) *PostgresExecutionStore {
	return &PostgresExecutionStore{pool: pool}
}

// Create implements ExecutionStore.
func (s *PostgresExecutionStore) Create(ctx context.Context, exec *domain.SagaExecution) error {
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO saga_executions (saga_id, correlation_id, customer_id, product_id,
			quantity, amount, current_state, version, stock_reservation_id,
			payment_txn_id, order_id, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		exec.SagaID, exec.CorrelationID, exec.CustomerID, exec.ProductID,
		exec.Quantity, exec.Amount, string(exec.CurrentState), exec.Version,
		exec.StockReservationID, exec.PaymentTxnID, exec.OrderID,
		exec.ErrorMessage, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert saga execution: %w", err)
	}
	return nil
}

// Get implements ExecutionStore.
func (s *PostgresExecutionStore) Get(ctx context.Context, sagaID string) (*domain.SagaExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+`
		FROM saga_executions WHERE saga_id = $1`, sagaID)
	exec, err := scanExecution(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrSagaNotFoundf(sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("get saga execution: %w", err)
	}
	return exec, nil
}

// Update implements ExecutionStore. Zero rows affected means the version
// moved underneath us (or the row is gone), reported as a lock conflict.
func (s *PostgresExecutionStore) Update(ctx context.Context, exec *domain.SagaExecution, expectedVersion int64) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE saga_executions
		SET current_state = $1, version = version + 1, stock_reservation_id = $2,
			payment_txn_id = $3, order_id = $4, error_message = $5, updated_at = $6
		WHERE saga_id = $7 AND version = $8`,
		string(exec.CurrentState), exec.StockReservationID, exec.PaymentTxnID,
		exec.OrderID, exec.ErrorMessage, now, exec.SagaID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update saga execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrOptimisticLockConflictf(exec.SagaID, expectedVersion, -1)
	}
	exec.Version = expectedVersion + 1
	exec.UpdatedAt = now
	return nil
}

// AcquireCustomerProductSlot implements ExecutionStore. Active rows for
// the pair are locked FOR UPDATE so two racing sagas decide sequentially;
// the earliest saga id (UUIDv7, time ordered) wins.
func (s *PostgresExecutionStore) AcquireCustomerProductSlot(ctx context.Context, exec *domain.SagaExecution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin slot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT saga_id FROM saga_executions
		WHERE customer_id = $1 AND product_id = $2 AND saga_id <> $3
			AND current_state NOT IN ($4, $5)
		ORDER BY saga_id
		FOR UPDATE`,
		exec.CustomerID, exec.ProductID, exec.SagaID,
		string(domain.StateSaleConfirmed), string(domain.StateSaleFailed),
	)
	if err != nil {
		return fmt.Errorf("lock active sagas: %w", err)
	}
	var competitors []string
	for rows.Next() {
		var sagaID string
		if err := rows.Scan(&sagaID); err != nil {
			rows.Close()
			return fmt.Errorf("scan active saga: %w", err)
		}
		competitors = append(competitors, sagaID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate active sagas: %w", err)
	}

	for _, sagaID := range competitors {
		if sagaID < exec.SagaID {
			return apperrors.ErrSagaAlreadyActivef(exec.CustomerID, exec.ProductID)
		}
	}
	return tx.Commit(ctx)
}

// FindStale implements ExecutionStore.
func (s *PostgresExecutionStore) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*domain.SagaExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+executionColumns+`
		FROM saga_executions
		WHERE current_state NOT IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at
		LIMIT $4`,
		string(domain.StateSaleConfirmed), string(domain.StateSaleFailed), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale sagas: %w", err)
	}
	defer rows.Close()

	var out []*domain.SagaExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale saga: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sagas: %w", err)
	}
	return out, nil
}

// CountByState implements ExecutionStore.
func (s *PostgresExecutionStore) CountByState(ctx context.Context) (map[domain.SagaState]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT current_state, COUNT(*) FROM saga_executions GROUP BY current_state`)
	if err != nil {
		return nil, fmt.Errorf("count sagas by state: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.SagaState]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan saga count: %w", err)
		}
		out[domain.SagaState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga counts: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore implements ExecutionStore.
func (s *PostgresExecutionStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM saga_executions
		WHERE current_state IN ($1, $2) AND updated_at < $3`,
		string(domain.StateSaleConfirmed), string(domain.StateSaleFailed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal sagas: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanExecution(row pgx.Row) (*domain.SagaExecution, error) {
	var exec domain.SagaExecution
	var state string
	err := row.Scan(
		&exec.SagaID, &exec.CorrelationID, &exec.CustomerID, &exec.ProductID,
		&exec.Quantity, &exec.Amount, &state, &exec.Version,
		&exec.StockReservationID, &exec.PaymentTxnID, &exec.OrderID,
		&exec.ErrorMessage, &exec.CreatedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	exec.CurrentState = domain.SagaState(state)
	return &exec, nil
}
