package collaborator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// ReservationStore tracks the stock holds the saga engine took out. The
// conditional insert enforces at most one ACTIVE reservation per
// (saga, product) pair.
type ReservationStore interface {
	Create(ctx context.Context, reservation *domain.StockReservation) error
	Get(ctx context.Context, reservationID string) (*domain.StockReservation, error)
	GetBySaga(ctx context.Context, sagaID string) ([]*domain.StockReservation, error)
	MarkReleased(ctx context.Context, reservationID string) error
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

const uniqueViolation = "23505"

const reservationColumns = `reservation_id, product_id, quantity, saga_id,
	customer_id, status, created_at, expires_at`

// PostgresReservationStore is the production ReservationStore.
type PostgresReservationStore struct {
	pool *pgxpool.Pool
}

// NewPostgresReservationStore creates a store on the shared pool.
func NewPostgresReservationStore(pool *pgxpool.Pool) *PostgresReservationStore {
	return &PostgresReservationStore{pool: pool}
}

// Create implements ReservationStore. The partial unique index on
// (saga_id, product_id) WHERE status = 'ACTIVE' rejects a second ACTIVE
// hold for the same pair.
func (s *PostgresReservationStore) Create(ctx context.Context, reservation *domain.StockReservation) error {
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stock_reservations (reservation_id, product_id, quantity,
			saga_id, customer_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		reservation.ReservationID, reservation.ProductID, reservation.Quantity,
		reservation.SagaID, reservation.CustomerID, string(reservation.Status),
		reservation.CreatedAt, reservation.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict(apperrors.CodeValidationFailed,
				"an active reservation already exists for this saga and product").
				WithParams(map[string]interface{}{
					"saga_id":    reservation.SagaID,
					"product_id": reservation.ProductID,
				})
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// Get implements ReservationStore.
func (s *PostgresReservationStore) Get(ctx context.Context, reservationID string) (*domain.StockReservation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+reservationColumns+`
		FROM stock_reservations WHERE reservation_id = $1`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	defer rows.Close()
	reservations, err := scanReservations(rows)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeResourceNotFound, "reservation not found")
	}
	return reservations[0], nil
}

// GetBySaga implements ReservationStore.
func (s *PostgresReservationStore) GetBySaga(ctx context.Context, sagaID string) ([]*domain.StockReservation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+reservationColumns+`
		FROM stock_reservations WHERE saga_id = $1 ORDER BY created_at`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("query saga reservations: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

// MarkReleased implements ReservationStore. Releasing a non-ACTIVE
// reservation is a no-op.
func (s *PostgresReservationStore) MarkReleased(ctx context.Context, reservationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stock_reservations SET status = $1
		WHERE reservation_id = $2 AND status = $3`,
		string(domain.ReservationReleased), reservationID, string(domain.ReservationActive),
	)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// ExpireOverdue implements ReservationStore.
func (s *PostgresReservationStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stock_reservations SET status = $1
		WHERE status = $2 AND expires_at < $3`,
		string(domain.ReservationExpired), string(domain.ReservationActive), now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanReservations(rows pgx.Rows) ([]*domain.StockReservation, error) {
	var out []*domain.StockReservation
	for rows.Next() {
		var r domain.StockReservation
		var status string
		if err := rows.Scan(
			&r.ReservationID, &r.ProductID, &r.Quantity, &r.SagaID,
			&r.CustomerID, &status, &r.CreatedAt, &r.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.Status = domain.ReservationStatus(status)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return out, nil
}

// MemoryReservationStore is the in-memory ReservationStore used by tests
// and dev mode. It honors the same conditional-insert contract.
type MemoryReservationStore struct {
	mu   sync.Mutex
	byID map[string]*domain.StockReservation
}

// NewMemoryReservationStore creates an empty in-memory store.
func NewMemoryReservationStore() *MemoryReservationStore {
	return &MemoryReservationStore{byID: make(map[string]*domain.StockReservation)}
}

// Create implements ReservationStore.
func (s *MemoryReservationStore) Create(_ context.Context, reservation *domain.StockReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reservation.Status == domain.ReservationActive {
		for _, existing := range s.byID {
			if existing.Status == domain.ReservationActive &&
				existing.SagaID == reservation.SagaID &&
				existing.ProductID == reservation.ProductID {
				return apperrors.Conflict(apperrors.CodeValidationFailed,
					"an active reservation already exists for this saga and product")
			}
		}
	}
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = time.Now().UTC()
	}
	clone := *reservation
	s.byID[reservation.ReservationID] = &clone
	return nil
}

// Get implements ReservationStore.
func (s *MemoryReservationStore) Get(_ context.Context, reservationID string) (*domain.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reservation, ok := s.byID[reservationID]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeResourceNotFound, "reservation not found")
	}
	clone := *reservation
	return &clone, nil
}

// GetBySaga implements ReservationStore.
func (s *MemoryReservationStore) GetBySaga(_ context.Context, sagaID string) ([]*domain.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.StockReservation
	for _, reservation := range s.byID {
		if reservation.SagaID == sagaID {
			clone := *reservation
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkReleased implements ReservationStore.
func (s *MemoryReservationStore) MarkReleased(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reservation, ok := s.byID[reservationID]; ok && reservation.Status == domain.ReservationActive {
		reservation.Status = domain.ReservationReleased
	}
	return nil
}

// ExpireOverdue implements ReservationStore.
func (s *MemoryReservationStore) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired int64
	for _, reservation := range s.byID {
		if reservation.IsExpired(now) {
			reservation.Status = domain.ReservationExpired
			expired++
		}
	}
	return expired, nil
}
