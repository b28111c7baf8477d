package eventstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/metrics"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// SaleState is the reconstructed view of one sale aggregate: the left fold
// of its event stream into a zero-value initial state.
type SaleState struct {
	AggregateID   string    `json:"aggregate_id"`
	CustomerID    string    `json:"customer_id,omitempty"`
	ProductID     string    `json:"product_id,omitempty"`
	Quantity      int       `json:"quantity,omitempty"`
	Amount        float64   `json:"amount,omitempty"`
	State         string    `json:"state,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	PaymentTxnID  string    `json:"payment_transaction_id,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	Failed        bool      `json:"failed,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Version       int64     `json:"version"`
	LastEventAt   time.Time `json:"last_event_at"`
}

// Applier folds one event into the state. Appliers must be pure: no side
// effects, fully determined by the event sequence.
type Applier func(state *SaleState, event *domain.Event, payload interface{}) error

// Reconstructor rebuilds aggregate state by folding stored events. Current
// state results are cached per aggregate; a cache entry is valid only while
// its version matches the store's latest version for that aggregate.
type Reconstructor struct {
	store    Store
	payloads *domain.PayloadRegistry
	appliers map[domain.EventType]Applier

	cache     *xsync.MapOf[string, *SaleState]
	cacheHits atomic.Int64
	cacheMiss atomic.Int64
}

// CacheStatistics reports reconstruction cache effectiveness.
type CacheStatistics struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// NewReconstructor creates a reconstructor with the built-in sale flow
// appliers registered.
func NewReconstructor(store Store, payloads *domain.PayloadRegistry) *Reconstructor {
	r := &Reconstructor{
		store:    store,
		payloads: payloads,
		appliers: make(map[domain.EventType]Applier),
		cache:    xsync.NewMapOf[string, *SaleState](),
	}
	r.registerDefaults()
	return r
}

// RegisterApplier adds or replaces the fold function for an event type.
func (r *Reconstructor) RegisterApplier(eventType domain.EventType, applier Applier) {
	r.appliers[eventType] = applier
}

func (r *Reconstructor) registerDefaults() {
	r.RegisterApplier(domain.EventSagaStarted, func(state *SaleState, event *domain.Event, payload interface{}) error {
		p, ok := payload.(*domain.SaleInitiatedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		state.CustomerID = p.CustomerID
		state.ProductID = p.ProductID
		state.Quantity = p.Quantity
		state.Amount = p.Amount
		state.State = string(domain.StateSaleInitiated)
		return nil
	})
	r.RegisterApplier(domain.EventSagaStateTransition, func(state *SaleState, event *domain.Event, payload interface{}) error {
		p, ok := payload.(*domain.StateTransitionPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		state.State = p.ToState
		return nil
	})
	r.RegisterApplier(domain.EventStockReserved, applyReservation)
	r.RegisterApplier(domain.EventInventoryReserved, applyReservation)
	r.RegisterApplier(domain.EventInventoryReleased, func(state *SaleState, event *domain.Event, payload interface{}) error {
		state.ReservationID = ""
		return nil
	})
	r.RegisterApplier(domain.EventPaymentProcessed, func(state *SaleState, event *domain.Event, payload interface{}) error {
		p, ok := payload.(*domain.PaymentPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		state.PaymentTxnID = p.TransactionID
		return nil
	})
	r.RegisterApplier(domain.EventPaymentRefunded, func(state *SaleState, event *domain.Event, payload interface{}) error {
		state.PaymentTxnID = ""
		return nil
	})
	r.RegisterApplier(domain.EventOrderConfirmed, func(state *SaleState, event *domain.Event, payload interface{}) error {
		p, ok := payload.(*domain.OrderPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		state.OrderID = p.OrderID
		return nil
	})
	r.RegisterApplier(domain.EventSagaCompleted, func(state *SaleState, event *domain.Event, payload interface{}) error {
		state.State = string(domain.StateSaleConfirmed)
		return nil
	})
	r.RegisterApplier(domain.EventSagaFailed, func(state *SaleState, event *domain.Event, payload interface{}) error {
		p, ok := payload.(*domain.SagaFailedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		state.Failed = true
		state.State = string(domain.StateSaleFailed)
		state.ErrorMessage = p.Reason
		return nil
	})
}

func applyReservation(state *SaleState, event *domain.Event, payload interface{}) error {
	p, ok := payload.(*domain.StockReservedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	state.ReservationID = p.ReservationID
	return nil
}

// ReconstructCurrentState folds all events of the aggregate. The result is
// cached; a later call revalidates the cached version against the store.
func (r *Reconstructor) ReconstructCurrentState(ctx context.Context, aggregateID string) (*SaleState, error) {
	latest, err := r.store.GetLatestVersion(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, apperrors.NotFound(apperrors.CodeAggregateNotFound, "aggregate has no events")
	}

	if cached, ok := r.cache.Load(aggregateID); ok && cached.Version == latest {
		r.cacheHits.Add(1)
		metrics.CacheHits.WithLabelValues("hit").Inc()
		clone := *cached
		return &clone, nil
	}
	r.cacheMiss.Add(1)
	metrics.CacheHits.WithLabelValues("miss").Inc()

	events, err := r.store.GetEvents(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	state, err := r.fold(aggregateID, events)
	if err != nil {
		return nil, err
	}
	r.cache.Store(aggregateID, state)
	clone := *state
	return &clone, nil
}

// ReconstructStateAtTime folds events up to and including pointInTime.
// Results are not cached (unbounded cardinality).
func (r *Reconstructor) ReconstructStateAtTime(ctx context.Context, aggregateID string, pointInTime time.Time) (*SaleState, error) {
	events, err := r.store.GetEvents(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	bounded := events[:0:0]
	for _, event := range events {
		if !event.Timestamp.After(pointInTime) {
			bounded = append(bounded, event)
		}
	}
	if len(bounded) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeAggregateNotFound, "no events at or before the requested time")
	}
	return r.fold(aggregateID, bounded)
}

// ReconstructStateAtVersion folds events up to and including version.
func (r *Reconstructor) ReconstructStateAtVersion(ctx context.Context, aggregateID string, version int64) (*SaleState, error) {
	events, err := r.store.GetEventsUpToVersion(ctx, aggregateID, version)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeAggregateNotFound, "no events at or before the requested version")
	}
	return r.fold(aggregateID, events)
}

// ReconstructMultipleStates folds each aggregate independently. Aggregates
// without events are omitted from the result.
func (r *Reconstructor) ReconstructMultipleStates(ctx context.Context, aggregateIDs []string) (map[string]*SaleState, error) {
	streams, err := r.store.GetEventsForAggregates(ctx, aggregateIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*SaleState, len(streams))
	for id, events := range streams {
		if len(events) == 0 {
			continue
		}
		state, err := r.fold(id, events)
		if err != nil {
			return nil, fmt.Errorf("reconstruct %s: %w", id, err)
		}
		out[id] = state
	}
	return out, nil
}

// Invalidate drops the cached state for one aggregate.
func (r *Reconstructor) Invalidate(aggregateID string) {
	r.cache.Delete(aggregateID)
}

// ClearCache drops all cached states.
func (r *Reconstructor) ClearCache() {
	r.cache.Clear()
}

// GetCacheStatistics reports cache effectiveness counters.
func (r *Reconstructor) GetCacheStatistics() CacheStatistics {
	return CacheStatistics{
		Entries: r.cache.Size(),
		Hits:    r.cacheHits.Load(),
		Misses:  r.cacheMiss.Load(),
	}
}

// fold runs the left fold over an ordered event slice. Events without a
// registered applier advance the version but change nothing else, so adding
// new event types never breaks old reconstructions.
func (r *Reconstructor) fold(aggregateID string, events []*domain.Event) (*SaleState, error) {
	state := &SaleState{AggregateID: aggregateID}
	for _, event := range events {
		applier, ok := r.appliers[event.EventType]
		if ok {
			payload, err := r.payloads.Decode(event)
			if err != nil {
				return nil, fmt.Errorf("event %s: %w", event.EventID, err)
			}
			if err := applier(state, event, payload); err != nil {
				return nil, fmt.Errorf("apply event %s: %w", event.EventID, err)
			}
		} else {
			logger.Debug("No applier for event type, skipping",
				zap.String("event_type", string(event.EventType)),
				zap.String("aggregate_id", aggregateID),
			)
		}
		state.Version = event.EventVersion
		state.LastEventAt = event.Timestamp
	}
	return state, nil
}

// InvalidatingStore decorates a Store so appends invalidate the
// reconstruction cache for the touched aggregate.
type InvalidatingStore struct {
	Store
	reconstructor *Reconstructor
}

// WithCacheInvalidation wraps store so successful appends drop the cached
// state of the touched aggregate.
func WithCacheInvalidation(store Store, reconstructor *Reconstructor) *InvalidatingStore {
	return &InvalidatingStore{Store: store, reconstructor: reconstructor}
}

// Append implements Store.
func (s *InvalidatingStore) Append(ctx context.Context, event *domain.Event, expectedVersion int64) (*domain.Event, error) {
	stored, err := s.Store.Append(ctx, event, expectedVersion)
	if err == nil {
		s.reconstructor.Invalidate(event.AggregateID)
	}
	return stored, err
}

// AppendBatch implements Store.
func (s *InvalidatingStore) AppendBatch(ctx context.Context, events []*domain.Event, expectedVersion int64) ([]*domain.Event, error) {
	stored, err := s.Store.AppendBatch(ctx, events, expectedVersion)
	if err == nil && len(events) > 0 {
		s.reconstructor.Invalidate(events[0].AggregateID)
	}
	return stored, err
}
