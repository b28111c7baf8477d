package compensation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

const actionColumns = `action_id, saga_id, correlation_id, step_name, service_name,
	compensation_endpoint, payload, priority, status, retry_count, execute_after,
	error_message, created_at, updated_at`

// PostgresActionStore is the production ActionStore.
type PostgresActionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresActionStore creates a store on the shared pool.
func NewPostgresActionStore(pool *pgxpool.Pool) *PostgresActionStore {
	return &PostgresActionStore{pool: pool}
}

// CreateBatch implements ActionStore. The plan commits atomically.
func (s *PostgresActionStore) CreateBatch(ctx context.Context, actions []*domain.CompensationAction) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin plan tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, action := range actions {
		_, err := tx.Exec(ctx, `
			INSERT INTO compensation_actions (action_id, saga_id, correlation_id,
				step_name, service_name, compensation_endpoint, payload, priority,
				status, retry_count, execute_after, error_message, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			action.ActionID, action.SagaID, action.CorrelationID, action.StepName,
			action.ServiceName, action.CompensationEndpoint, action.Payload,
			action.Priority, string(action.Status), action.RetryCount,
			action.ExecuteAfter, action.ErrorMessage, action.CreatedAt, action.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert compensation action %s: %w", action.ActionID, err)
		}
	}
	return tx.Commit(ctx)
}

// Get implements ActionStore.
func (s *PostgresActionStore) Get(ctx context.Context, actionID string) (*domain.CompensationAction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+`
		FROM compensation_actions WHERE action_id = $1`, actionID)
	action, err := scanAction(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound(apperrors.CodeCompensationNotFound, "compensation action not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get compensation action: %w", err)
	}
	return action, nil
}

// GetBySaga implements ActionStore.
func (s *PostgresActionStore) GetBySaga(ctx context.Context, sagaID string) ([]*domain.CompensationAction, error) {
	return s.queryActions(ctx, `SELECT `+actionColumns+`
		FROM compensation_actions WHERE saga_id = $1 ORDER BY priority`, sagaID)
}

// Update implements ActionStore.
func (s *PostgresActionStore) Update(ctx context.Context, action *domain.CompensationAction) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE compensation_actions
		SET status = $1, retry_count = $2, execute_after = $3, error_message = $4,
			updated_at = $5
		WHERE action_id = $6`,
		string(action.Status), action.RetryCount, action.ExecuteAfter,
		action.ErrorMessage, now, action.ActionID,
	)
	if err != nil {
		return fmt.Errorf("update compensation action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound(apperrors.CodeCompensationNotFound, "compensation action not found")
	}
	action.UpdatedAt = now
	return nil
}

// ClaimReady implements ActionStore. SKIP LOCKED lets concurrent sweeps
// partition the ready set instead of blocking on each other. IN_PROGRESS
// rows untouched since staleBefore are orphaned claims and go back into
// rotation.
func (s *PostgresActionStore) ClaimReady(ctx context.Context, now, staleBefore time.Time, limit int) ([]*domain.CompensationAction, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE compensation_actions
		SET status = $1, updated_at = $2
		WHERE action_id IN (
			SELECT action_id FROM compensation_actions
			WHERE (status = $3 AND execute_after <= $4)
			   OR (status = $1 AND updated_at <= $5)
			ORDER BY priority
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+actionColumns,
		string(domain.CompensationInProgress), now,
		string(domain.CompensationPending), now, staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim ready actions: %w", err)
	}
	defer rows.Close()

	var out []*domain.CompensationAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed action: %w", err)
		}
		out = append(out, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed actions: %w", err)
	}
	// RETURNING does not guarantee order.
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// CountByStatus implements ActionStore.
func (s *PostgresActionStore) CountByStatus(ctx context.Context) (map[domain.CompensationStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM compensation_actions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count actions by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.CompensationStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan action count: %w", err)
		}
		out[domain.CompensationStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action counts: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore implements ActionStore. FAILED rows are kept for
// operator attention.
func (s *PostgresActionStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM compensation_actions
		WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		string(domain.CompensationCompleted), string(domain.CompensationSkipped),
		string(domain.CompensationCancelled), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal actions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresActionStore) queryActions(ctx context.Context, sql string, args ...interface{}) ([]*domain.CompensationAction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query compensation actions: %w", err)
	}
	defer rows.Close()

	var out []*domain.CompensationAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan compensation action: %w", err)
		}
		out = append(out, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compensation actions: %w", err)
	}
	return out, nil
}

func scanAction(row pgx.Row) (*domain.CompensationAction, error) {
	var action domain.CompensationAction
	var status string
	err := row.Scan(
		&action.ActionID, &action.SagaID, &action.CorrelationID, &action.StepName,
		&action.ServiceName, &action.CompensationEndpoint, &action.Payload,
		&action.Priority, &status, &action.RetryCount, &action.ExecuteAfter,
		&action.ErrorMessage, &action.CreatedAt, &action.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	action.Status = domain.CompensationStatus(status)
	return &action, nil
}
