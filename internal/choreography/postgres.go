package choreography

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

const uniqueViolation = "23505"

const stateColumns = `saga_id, correlation_id, saga_type, status, completed_steps,
	failed_steps, saga_data, timeout_at, compensation_required, error_message,
	version, created_at, updated_at`

// PostgresStateStore is the production StateStore.
type PostgresStateStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStateStore creates a store on the shared pool.
func NewPostgresStateStore(pool *pgxpool.Pool) *PostgresStateStore {
	return &PostgresStateStore{pool: pool}
}

// Create implements StateStore. The unique correlation index rejects a
// second saga tracking the same business flow.
func (s *PostgresStateStore) Create(ctx context.Context, state *domain.ChoreographedSagaState) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	completed, failed, data, err := marshalStateJSON(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO choreographed_sagas (saga_id, correlation_id, saga_type, status,
			completed_steps, failed_steps, saga_data, timeout_at, compensation_required,
			error_message, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		state.SagaID, state.CorrelationID, string(state.SagaType), string(state.Status),
		completed, failed, data, state.TimeoutAt, state.CompensationRequired,
		state.ErrorMessage, state.Version, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict(apperrors.CodeValidationFailed,
				"a saga already tracks this correlation id").
				WithParams(map[string]interface{}{"correlation_id": state.CorrelationID})
		}
		return fmt.Errorf("insert choreographed saga: %w", err)
	}
	return nil
}

// Get implements StateStore.
func (s *PostgresStateStore) Get(ctx context.Context, sagaID string) (*domain.ChoreographedSagaState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+`
		FROM choreographed_sagas WHERE saga_id = $1`, sagaID)
	state, err := scanState(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrSagaNotFoundf(sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("get choreographed saga: %w", err)
	}
	return state, nil
}

// GetByCorrelation implements StateStore.
func (s *PostgresStateStore) GetByCorrelation(ctx context.Context, correlationID string) (*domain.ChoreographedSagaState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stateColumns+`
		FROM choreographed_sagas WHERE correlation_id = $1`, correlationID)
	state, err := scanState(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound(apperrors.CodeSagaNotFound, "no saga for correlation id").
			WithParams(map[string]interface{}{"correlation_id": correlationID})
	}
	if err != nil {
		return nil, fmt.Errorf("get saga by correlation: %w", err)
	}
	return state, nil
}

// Update implements StateStore.
func (s *PostgresStateStore) Update(ctx context.Context, state *domain.ChoreographedSagaState, expectedVersion int64) error {
	completed, failed, data, err := marshalStateJSON(state)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE choreographed_sagas
		SET status = $1, completed_steps = $2, failed_steps = $3, saga_data = $4,
			timeout_at = $5, compensation_required = $6, error_message = $7,
			version = version + 1, updated_at = $8
		WHERE saga_id = $9 AND version = $10`,
		string(state.Status), completed, failed, data, state.TimeoutAt,
		state.CompensationRequired, state.ErrorMessage, now,
		state.SagaID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update choreographed saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrOptimisticLockConflictf(state.SagaID, expectedVersion, -1)
	}
	state.Version = expectedVersion + 1
	state.UpdatedAt = now
	return nil
}

// FindTimedOut implements StateStore.
func (s *PostgresStateStore) FindTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.ChoreographedSagaState, error) {
	return s.queryStates(ctx, `SELECT `+stateColumns+`
		FROM choreographed_sagas
		WHERE status NOT IN ($1, $2, $3, $4) AND timeout_at < $5
		ORDER BY timeout_at
		LIMIT $6`,
		string(domain.ChoreoStatusCompleted), string(domain.ChoreoStatusCompensated),
		string(domain.ChoreoStatusFailed), string(domain.ChoreoStatusTimedOut),
		now, limit,
	)
}

// ListActive implements StateStore.
func (s *PostgresStateStore) ListActive(ctx context.Context) ([]*domain.ChoreographedSagaState, error) {
	return s.queryStates(ctx, `SELECT `+stateColumns+`
		FROM choreographed_sagas
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY created_at`,
		string(domain.ChoreoStatusCompleted), string(domain.ChoreoStatusCompensated),
		string(domain.ChoreoStatusFailed),
	)
}

// CountByStatus implements StateStore.
func (s *PostgresStateStore) CountByStatus(ctx context.Context) (map[domain.ChoreographedSagaStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM choreographed_sagas GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count sagas by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ChoreographedSagaStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan saga count: %w", err)
		}
		out[domain.ChoreographedSagaStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga counts: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore implements StateStore.
func (s *PostgresStateStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM choreographed_sagas
		WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		string(domain.ChoreoStatusCompleted), string(domain.ChoreoStatusCompensated),
		string(domain.ChoreoStatusFailed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal sagas: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStateStore) queryStates(ctx context.Context, sql string, args ...interface{}) ([]*domain.ChoreographedSagaState, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query choreographed sagas: %w", err)
	}
	defer rows.Close()

	var out []*domain.ChoreographedSagaState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan choreographed saga: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate choreographed sagas: %w", err)
	}
	return out, nil
}

func marshalStateJSON(state *domain.ChoreographedSagaState) (completed, failed, data []byte, err error) {
	if completed, err = json.Marshal(state.CompletedSteps); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal completed steps: %w", err)
	}
	if failed, err = json.Marshal(state.FailedSteps); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal failed steps: %w", err)
	}
	if data, err = json.Marshal(state.SagaData); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal saga data: %w", err)
	}
	return completed, failed, data, nil
}

func scanState(row pgx.Row) (*domain.ChoreographedSagaState, error) {
	var state domain.ChoreographedSagaState
	var sagaType, status string
	var completed, failed, data []byte
	err := row.Scan(
		&state.SagaID, &state.CorrelationID, &sagaType, &status,
		&completed, &failed, &data, &state.TimeoutAt, &state.CompensationRequired,
		&state.ErrorMessage, &state.Version, &state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	state.SagaType = domain.SagaType(sagaType)
	state.Status = domain.ChoreographedSagaStatus(status)
	if err := json.Unmarshal(completed, &state.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	if err := json.Unmarshal(failed, &state.FailedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal failed steps: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &state.SagaData); err != nil {
			return nil, fmt.Errorf("unmarshal saga data: %w", err)
		}
	}
	return &state, nil
}
