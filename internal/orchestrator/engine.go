package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/collaborator"
	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/eventstore"
	"salecoord.io/salecoord/internal/metrics"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
	"salecoord.io/salecoord/internal/pkg/worker"
)

// Step names recorded for completed forward steps. The compensation
// registry maps these to undo endpoints.
const (
	StepStockReserved    = "StockReserved"
	StepPaymentProcessed = "PaymentProcessed"
	StepOrderCreated     = "OrderCreated"
)

// InventoryService is the slice of the inventory collaborator the engine
// needs. Satisfied by collaborator.InventoryClient.
type InventoryService interface {
	VerifyStock(ctx context.Context, sagaID, correlationID, productID string, quantity int) (*collaborator.StockCheck, error)
	ReserveStock(ctx context.Context, sagaID, correlationID, productID string, quantity int) (string, error)
	ReleaseStock(ctx context.Context, sagaID, correlationID, reservationID string) error
}

// PaymentService is satisfied by collaborator.PaymentClient.
type PaymentService interface {
	ProcessPayment(ctx context.Context, sagaID, correlationID, customerID string, amount float64) (string, error)
}

// OrderService is satisfied by collaborator.OrderClient.
type OrderService interface {
	CreateOrder(ctx context.Context, sagaID, correlationID, customerID, productID string, quantity int) (string, error)
}

// Compensator enqueues undo actions for completed steps of a failed saga.
// Satisfied by the compensation coordinator.
type Compensator interface {
	CompensateSaga(ctx context.Context, sagaID, correlationID, failedStep, errorMessage string, completedSteps []string) ([]*domain.CompensationAction, error)
}

// EngineConfig bounds the engine's retry and timeout behavior.
type EngineConfig struct {
	// StepTimeout bounds each collaborator call.
	StepTimeout time.Duration
	// ExecutionTimeout is the staleness threshold for the timeout sweep.
	ExecutionTimeout time.Duration
	// TransitionRetries bounds CAS retry loops on version conflicts.
	TransitionRetries int
	// ReservationTTL is the expiry horizon written on new reservations.
	ReservationTTL time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Second
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 5 * time.Minute
	}
	if c.TransitionRetries < 1 {
		c.TransitionRetries = 3
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 15 * time.Minute
	}
	return c
}

// Engine is the orchestrated saga engine.
type Engine struct {
	execs        ExecutionStore
	events       eventstore.Store
	reservations collaborator.ReservationStore
	inventory    InventoryService
	payment      PaymentService
	orders       OrderService
	compensator  Compensator
	pools        *worker.Pools
	cfg          EngineConfig
}

// NewEngine wires the orchestrated saga engine. The compensator may be nil
// when compensation is handled out of band.
func NewEngine(
	execs ExecutionStore,
	events eventstore.Store,
	reservations collaborator.ReservationStore,
	inventory InventoryService,
	payment PaymentService,
	orders OrderService,
	compensator Compensator,
	pools *worker.Pools,
	cfg EngineConfig,
) *Engine {
	return &Engine{
		execs:        execs,
		events:       events,
		reservations: reservations,
		inventory:    inventory,
		payment:      payment,
		orders:       orders,
		compensator:  compensator,
		pools:        pools,
		cfg:          cfg.withDefaults(),
	}
}

// StartSaleRequest carries the validated inputs for a new sale saga.
type StartSaleRequest struct {
	CustomerID string  `json:"customer_id"`
	ProductID  string  `json:"product_id"`
	Quantity   int     `json:"quantity"`
	Amount     float64 `json:"amount"`
}

func (r StartSaleRequest) validate() error {
	switch {
	case r.CustomerID == "":
		return apperrors.BadRequest(apperrors.CodeInvalidRequestField, "customer_id is required")
	case r.ProductID == "":
		return apperrors.BadRequest(apperrors.CodeInvalidRequestField, "product_id is required")
	case r.Quantity <= 0:
		return apperrors.BadRequest(apperrors.CodeInvalidRequestField, "quantity must be positive")
	case r.Amount <= 0:
		return apperrors.BadRequest(apperrors.CodeInvalidRequestField, "amount must be positive")
	}
	return nil
}

// StartSale creates a saga and drives it to a terminal state synchronously.
// A business failure ends in SALE_FAILED on the returned execution, not in
// a non-nil error; errors cover validation and infrastructure problems.
func (e *Engine) StartSale(ctx context.Context, req StartSaleRequest) (*domain.SagaExecution, error) {
	exec, err := e.createSaga(ctx, req)
	if err != nil {
		return nil, err
	}
	e.runSaga(ctx, exec)
	return exec, nil
}

// StartSaleAsync creates the saga and runs its steps on the general worker
// pool, returning the SALE_INITIATED execution immediately.
func (e *Engine) StartSaleAsync(ctx context.Context, req StartSaleRequest) (*domain.SagaExecution, error) {
	exec, err := e.createSaga(ctx, req)
	if err != nil {
		return nil, err
	}
	detached := *exec
	if err := e.pools.SubmitDetached("general", func(taskCtx context.Context) {
		e.runSaga(taskCtx, &detached)
	}); err != nil {
		return nil, fmt.Errorf("submit saga run: %w", err)
	}
	return exec, nil
}

// GetSaga returns the current execution record.
func (e *Engine) GetSaga(ctx context.Context, sagaID string) (*domain.SagaExecution, error) {
	return e.execs.Get(ctx, sagaID)
}

// Statistics returns saga counts grouped by state.
func (e *Engine) Statistics(ctx context.Context) (map[domain.SagaState]int64, error) {
	return e.execs.CountByState(ctx)
}

// HandleTimeouts forces stale non-terminal sagas toward SALE_FAILED,
// compensating completed steps. Returns how many sagas were failed.
func (e *Engine) HandleTimeouts(ctx context.Context) (int, error) {
	threshold := time.Now().UTC().Add(-e.cfg.ExecutionTimeout)
	stale, err := e.execs.FindStale(ctx, threshold, 100)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, exec := range stale {
		// Re-read: the saga may have advanced since the sweep query.
		fresh, err := e.execs.Get(ctx, exec.SagaID)
		if err != nil || fresh.IsTerminal() || fresh.UpdatedAt.After(threshold) {
			continue
		}
		logger.Warn("Saga timed out, forcing failure",
			zap.String("saga_id", fresh.SagaID),
			zap.String("state", string(fresh.CurrentState)),
			zap.Time("updated_at", fresh.UpdatedAt),
		)
		e.fail(ctx, fresh, "TimeoutSweep", apperrors.ErrSagaTimedOutf(fresh.SagaID))
		failed++
	}
	return failed, nil
}

// ExpireReservations marks overdue ACTIVE reservations EXPIRED.
func (e *Engine) ExpireReservations(ctx context.Context) (int64, error) {
	return e.reservations.ExpireOverdue(ctx, time.Now().UTC())
}

// CleanupTerminal removes terminal executions past the retention window.
func (e *Engine) CleanupTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	return e.execs.DeleteTerminalBefore(ctx, cutoff)
}

func (e *Engine) createSaga(ctx context.Context, req StartSaleRequest) (*domain.SagaExecution, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	sagaID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate saga id: %w", err)
	}
	correlationID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate correlation id: %w", err)
	}

	exec := &domain.SagaExecution{
		SagaID:        sagaID.String(),
		CorrelationID: correlationID.String(),
		CustomerID:    req.CustomerID,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		Amount:        req.Amount,
		CurrentState:  domain.StateSaleInitiated,
		Version:       1,
	}
	if err := e.execs.Create(ctx, exec); err != nil {
		return nil, err
	}

	// Serialize against concurrent sagas for the same customer and
	// product before doing any work. The loser fails immediately.
	if err := e.execs.AcquireCustomerProductSlot(ctx, exec); err != nil {
		exec.ErrorMessage = "another sale saga is active for this customer and product"
		e.forceFail(ctx, exec)
		return nil, err
	}

	metrics.SagasStarted.Inc()
	payload, perr := domain.SaleInitiatedPayload{
		CustomerID: req.CustomerID,
		ProductID:  req.ProductID,
		Quantity:   req.Quantity,
		Amount:     req.Amount,
	}.ToJSON()
	if perr == nil {
		e.appendAudit(ctx, exec, domain.EventSagaStarted, payload)
	}
	logger.Info("Sale saga started",
		zap.String("saga_id", exec.SagaID),
		zap.String("customer_id", exec.CustomerID),
		zap.String("product_id", exec.ProductID),
	)
	return exec, nil
}

// runSaga drives the happy path. Any step failure diverts to the
// compensation path and leaves the saga in SALE_FAILED.
func (e *Engine) runSaga(ctx context.Context, exec *domain.SagaExecution) {
	if err := e.verifyStock(ctx, exec); err != nil {
		e.fail(ctx, exec, "StockVerification", err)
		return
	}
	if err := e.reserveStock(ctx, exec); err != nil {
		e.fail(ctx, exec, "StockReservation", err)
		return
	}
	if err := e.processPayment(ctx, exec); err != nil {
		e.fail(ctx, exec, "PaymentProcessing", err)
		return
	}
	if err := e.confirmOrder(ctx, exec); err != nil {
		e.fail(ctx, exec, "OrderConfirmation", err)
		return
	}
	e.complete(ctx, exec)
}

func (e *Engine) verifyStock(ctx context.Context, exec *domain.SagaExecution) error {
	if err := e.transition(ctx, exec, domain.StateStockVerifying, ""); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	check, err := e.inventory.VerifyStock(callCtx, exec.SagaID, exec.CorrelationID, exec.ProductID, exec.Quantity)
	if err != nil {
		e.auditServiceCall(ctx, exec, "inventory-service", "VerifyStock", err)
		return err
	}
	if !check.Available {
		err := apperrors.ErrStockUnavailablef(exec.ProductID, exec.Quantity)
		if check.Message != "" {
			err.Message = check.Message
		}
		e.auditServiceCall(ctx, exec, "inventory-service", "VerifyStock", err)
		return err
	}
	e.auditServiceCall(ctx, exec, "inventory-service", "VerifyStock", nil)
	return nil
}

func (e *Engine) reserveStock(ctx context.Context, exec *domain.SagaExecution) error {
	if err := e.transition(ctx, exec, domain.StateStockReserving, ""); err != nil {
		return err
	}
	// Idempotency: a reservation recorded on a previous attempt stands.
	if exec.HasReservation() {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	reservationID, err := e.inventory.ReserveStock(callCtx, exec.SagaID, exec.CorrelationID, exec.ProductID, exec.Quantity)
	if err != nil {
		e.auditServiceCall(ctx, exec, "inventory-service", "ReserveStock", err)
		return err
	}
	exec.StockReservationID = reservationID
	e.auditServiceCall(ctx, exec, "inventory-service", "ReserveStock", nil)

	now := time.Now().UTC()
	if err := e.reservations.Create(ctx, &domain.StockReservation{
		ReservationID: reservationID,
		ProductID:     exec.ProductID,
		Quantity:      exec.Quantity,
		SagaID:        exec.SagaID,
		CustomerID:    exec.CustomerID,
		Status:        domain.ReservationActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.cfg.ReservationTTL),
	}); err != nil {
		logger.Warn("Failed to record stock reservation",
			zap.String("saga_id", exec.SagaID),
			zap.String("reservation_id", reservationID),
			zap.Error(err),
		)
	}
	return nil
}

func (e *Engine) processPayment(ctx context.Context, exec *domain.SagaExecution) error {
	if err := e.transition(ctx, exec, domain.StatePaymentProcessing, ""); err != nil {
		return err
	}
	if exec.PaymentTxnID != "" {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	txnID, err := e.payment.ProcessPayment(callCtx, exec.SagaID, exec.CorrelationID, exec.CustomerID, exec.Amount)
	if err != nil {
		e.auditServiceCall(ctx, exec, "payment-service", "ProcessPayment", err)
		return err
	}
	exec.PaymentTxnID = txnID
	e.auditServiceCall(ctx, exec, "payment-service", "ProcessPayment", nil)
	return nil
}

func (e *Engine) confirmOrder(ctx context.Context, exec *domain.SagaExecution) error {
	if err := e.transition(ctx, exec, domain.StateSaleConfirming, ""); err != nil {
		return err
	}
	if exec.OrderID != "" {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	orderID, err := e.orders.CreateOrder(callCtx, exec.SagaID, exec.CorrelationID, exec.CustomerID, exec.ProductID, exec.Quantity)
	if err != nil {
		e.auditServiceCall(ctx, exec, "store-service", "CreateOrder", err)
		return err
	}
	exec.OrderID = orderID
	e.auditServiceCall(ctx, exec, "store-service", "CreateOrder", nil)
	return nil
}

func (e *Engine) complete(ctx context.Context, exec *domain.SagaExecution) {
	if err := e.transition(ctx, exec, domain.StateSaleConfirmed, ""); err != nil {
		e.fail(ctx, exec, "SaleConfirmation", err)
		return
	}
	payload, err := domain.OrderPayload{
		OrderID:    exec.OrderID,
		CustomerID: exec.CustomerID,
		ProductID:  exec.ProductID,
		Quantity:   exec.Quantity,
	}.ToJSON()
	if err == nil {
		e.appendAudit(ctx, exec, domain.EventSagaCompleted, payload)
	}
	outcome := "confirmed"
	metrics.SagasFinished.WithLabelValues(outcome).Inc()
	metrics.SagaDuration.WithLabelValues(outcome).Observe(time.Since(exec.CreatedAt).Seconds())
	logger.Info("Sale saga confirmed",
		zap.String("saga_id", exec.SagaID),
		zap.String("order_id", exec.OrderID),
	)
}

// fail unwinds the saga: release the reservation when one exists, record
// the terminal failure, and enqueue compensation for the remaining
// completed steps.
func (e *Engine) fail(ctx context.Context, exec *domain.SagaExecution, step string, cause error) {
	exec.ErrorMessage = cause.Error()
	logger.Warn("Sale saga step failed",
		zap.String("saga_id", exec.SagaID),
		zap.String("step", step),
		zap.String("state", string(exec.CurrentState)),
		zap.Error(cause),
	)

	if exec.HasReservation() && exec.CurrentState.CanTransitionTo(domain.StateStockReleasing) {
		if err := e.transition(ctx, exec, domain.StateStockReleasing, cause.Error()); err == nil {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
			releaseErr := e.inventory.ReleaseStock(callCtx, exec.SagaID, exec.CorrelationID, exec.StockReservationID)
			cancel()
			if releaseErr != nil {
				// Leave the release to compensation instead of blocking
				// the terminal transition.
				logger.Error("Stock release failed, deferring to compensation",
					zap.String("saga_id", exec.SagaID),
					zap.String("reservation_id", exec.StockReservationID),
					zap.Error(releaseErr),
				)
			} else if err := e.reservations.MarkReleased(ctx, exec.StockReservationID); err != nil {
				logger.Warn("Failed to mark reservation released",
					zap.String("reservation_id", exec.StockReservationID),
					zap.Error(err),
				)
			}
			e.auditServiceCall(ctx, exec, "inventory-service", "ReleaseStock", releaseErr)
		}
	}

	e.forceFail(ctx, exec)

	if payload, err := (domain.SagaFailedPayload{Reason: cause.Error(), Step: step}).ToJSON(); err == nil {
		e.appendAudit(ctx, exec, domain.EventSagaFailed, payload)
	}
	e.enqueueCompensation(ctx, exec, step, cause.Error())

	outcome := "failed"
	metrics.SagasFinished.WithLabelValues(outcome).Inc()
	metrics.SagaDuration.WithLabelValues(outcome).Observe(time.Since(exec.CreatedAt).Seconds())
}

// forceFail drives the execution into SALE_FAILED regardless of which
// non-terminal state it is in.
func (e *Engine) forceFail(ctx context.Context, exec *domain.SagaExecution) {
	if exec.IsTerminal() {
		return
	}
	if err := e.transition(ctx, exec, domain.StateSaleFailed, exec.ErrorMessage); err != nil {
		logger.Error("Failed to record saga failure",
			zap.String("saga_id", exec.SagaID),
			zap.Error(err),
		)
	}
}

// enqueueCompensation hands the completed steps that still need undoing to
// the compensation coordinator. The stock release already ran inline, but
// the step is passed anyway: release is idempotent and a deferred failure
// above still gets retried this way.
func (e *Engine) enqueueCompensation(ctx context.Context, exec *domain.SagaExecution, failedStep, errorMessage string) {
	if e.compensator == nil {
		return
	}
	var completed []string
	if exec.HasReservation() {
		completed = append(completed, StepStockReserved)
	}
	if exec.PaymentTxnID != "" {
		completed = append(completed, StepPaymentProcessed)
	}
	if exec.OrderID != "" {
		completed = append(completed, StepOrderCreated)
	}
	if len(completed) == 0 {
		return
	}

	actions, err := e.compensator.CompensateSaga(ctx, exec.SagaID, exec.CorrelationID, failedStep, errorMessage, completed)
	if err != nil {
		logger.Error("Failed to enqueue compensation",
			zap.String("saga_id", exec.SagaID),
			zap.Error(err),
		)
		return
	}
	if payload, perr := (domain.ServiceCallPayload{
		Service:   "compensation",
		Operation: fmt.Sprintf("enqueued %d actions", len(actions)),
	}).ToJSON(); perr == nil {
		e.appendAudit(ctx, exec, domain.EventSagaCompensationQueued, payload)
	}
}

// transition applies one CAS-checked state change with bounded re-read
// retries on version conflicts.
func (e *Engine) transition(ctx context.Context, exec *domain.SagaExecution, to domain.SagaState, reason string) error {
	for attempt := 0; ; attempt++ {
		if exec.CurrentState == to {
			return nil
		}
		if !exec.CurrentState.CanTransitionTo(to) {
			return apperrors.Conflict(apperrors.CodeSagaInvalidTransition,
				fmt.Sprintf("transition %s -> %s is not allowed", exec.CurrentState, to))
		}

		from := exec.CurrentState
		next := *exec
		next.CurrentState = to
		err := e.execs.Update(ctx, &next, exec.Version)
		if err == nil {
			*exec = next
			metrics.SagaTransitions.WithLabelValues(string(to)).Inc()
			if payload, perr := (domain.StateTransitionPayload{
				FromState: string(from),
				ToState:   string(to),
				Reason:    reason,
			}).ToJSON(); perr == nil {
				e.appendAudit(ctx, exec, domain.EventSagaStateTransition, payload)
			}
			return nil
		}

		appErr, ok := apperrors.IsAppError(err)
		if !ok || appErr.Code != apperrors.CodeOptimisticLockConflict || attempt+1 >= e.cfg.TransitionRetries {
			return err
		}
		// Lost the CAS: re-read and decide again from fresh state.
		fresh, gerr := e.execs.Get(ctx, exec.SagaID)
		if gerr != nil {
			return gerr
		}
		*exec = *fresh
		logger.Debug("Transition lost version race, retrying",
			zap.String("saga_id", exec.SagaID),
			zap.String("to_state", string(to)),
			zap.Int("attempt", attempt+1),
		)
	}
}

// appendAudit records a saga audit event under the saga aggregate. Audit
// failures are logged, never propagated: the execution record is the
// source of truth, the event stream is the audit trail.
func (e *Engine) appendAudit(ctx context.Context, exec *domain.SagaExecution, eventType domain.EventType, payload []byte) {
	event, err := domain.NewEvent(exec.SagaID, domain.AggregateTypeSale, eventType, exec.CorrelationID, payload)
	if err != nil {
		logger.Warn("Failed to build audit event", zap.Error(err))
		return
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		latest, err := e.events.GetLatestVersion(ctx, exec.SagaID)
		if err != nil {
			logger.Warn("Failed to read audit stream version",
				zap.String("saga_id", exec.SagaID), zap.Error(err))
			return
		}
		_, err = e.events.Append(ctx, event, latest)
		if err == nil {
			return
		}
		lastErr = err
		if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.CodeOptimisticLockConflict {
			continue
		}
		break
	}
	logger.Warn("Failed to append audit event",
		zap.String("saga_id", exec.SagaID),
		zap.String("event_type", string(eventType)),
		zap.Error(lastErr),
	)
}

func (e *Engine) auditServiceCall(ctx context.Context, exec *domain.SagaExecution, service, operation string, callErr error) {
	eventType := domain.EventSagaServiceCallSucceeded
	payload := domain.ServiceCallPayload{Service: service, Operation: operation}
	if callErr != nil {
		eventType = domain.EventSagaServiceCallFailed
		payload.Error = callErr.Error()
	}
	if data, err := payload.ToJSON(); err == nil {
		e.appendAudit(ctx, exec, eventType, data)
	}
}
