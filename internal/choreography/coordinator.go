package choreography

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/metrics"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// Compensator enqueues undo actions for completed steps of a failed saga.
// Satisfied by the compensation coordinator.
type Compensator interface {
	CompensateSaga(ctx context.Context, sagaID, correlationID, failedStep, errorMessage string, completedSteps []string) ([]*domain.CompensationAction, error)
}

// CoordinatorConfig bounds the coordinator's behavior.
type CoordinatorConfig struct {
	// SagaTimeout is the default timeoutAt horizon for new sagas.
	SagaTimeout time.Duration
	// UpdateRetries bounds CAS retry loops on version conflicts.
	UpdateRetries int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.SagaTimeout <= 0 {
		c.SagaTimeout = 10 * time.Minute
	}
	if c.UpdateRetries < 1 {
		c.UpdateRetries = 3
	}
	return c
}

// Coordinator infers choreographed saga status from step events. It never
// calls collaborators; compensation is the only outbound effect.
type Coordinator struct {
	states        StateStore
	compensator   Compensator
	terminalSteps domain.TerminalSteps
	cfg           CoordinatorConfig
}

// NewCoordinator wires the choreographed saga coordinator. The terminal
// step predicate is injected so deployments can override step sequences.
func NewCoordinator(states StateStore, compensator Compensator, terminalSteps domain.TerminalSteps, cfg CoordinatorConfig) *Coordinator {
	if terminalSteps == nil {
		terminalSteps = domain.DefaultTerminalSteps()
	}
	return &Coordinator{
		states:        states,
		compensator:   compensator,
		terminalSteps: terminalSteps,
		cfg:           cfg.withDefaults(),
	}
}

// StartSaga begins tracking one business flow identified by correlationID.
func (c *Coordinator) StartSaga(ctx context.Context, sagaType domain.SagaType, correlationID string, sagaData map[string]string) (*domain.ChoreographedSagaState, error) {
	if correlationID == "" {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "correlation_id is required")
	}
	if len(c.terminalSteps[sagaType]) == 0 {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequestField,
			fmt.Sprintf("unknown saga type %q", sagaType))
	}
	sagaID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate saga id: %w", err)
	}

	state := &domain.ChoreographedSagaState{
		SagaID:        sagaID.String(),
		CorrelationID: correlationID,
		SagaType:      sagaType,
		Status:        domain.ChoreoStatusStarted,
		SagaData:      sagaData,
		TimeoutAt:     time.Now().UTC().Add(c.cfg.SagaTimeout),
		Version:       1,
	}
	if err := c.states.Create(ctx, state); err != nil {
		return nil, err
	}
	logger.Info("Choreographed saga started",
		zap.String("saga_id", state.SagaID),
		zap.String("correlation_id", correlationID),
		zap.String("saga_type", string(sagaType)),
	)
	return state, nil
}

// RecordStepCompleted appends a completed step. Redelivered steps are
// dropped; completing the terminal step for the saga type finishes the
// saga. Steps landing after compensation started are ignored so the undo
// runs to completion.
func (c *Coordinator) RecordStepCompleted(ctx context.Context, correlationID, step string, data map[string]string) (*domain.ChoreographedSagaState, error) {
	return c.mutate(ctx, correlationID, func(state *domain.ChoreographedSagaState) (bool, error) {
		if state.Status.IsTerminal() || state.Status == domain.ChoreoStatusTimedOut ||
			state.Status == domain.ChoreoStatusCompensating {
			logger.Debug("Step arrived after terminal status, ignoring",
				zap.String("saga_id", state.SagaID),
				zap.String("step", step),
				zap.String("status", string(state.Status)),
			)
			return false, nil
		}
		if state.HasCompletedStep(step) {
			// Redelivery of an already recorded step.
			return false, nil
		}

		state.CompletedSteps = append(state.CompletedSteps, step)
		for k, v := range data {
			if state.SagaData == nil {
				state.SagaData = make(map[string]string)
			}
			state.SagaData[k] = v
		}
		if c.terminalSteps.IsLastStep(state.SagaType, step) {
			state.Status = domain.ChoreoStatusCompleted
		} else {
			state.Status = domain.ChoreoStatusInProgress
		}
		return true, nil
	})
}

// RecordStepRetrying flags a transient step failure the collaborator is
// retrying on its own. The saga stays live but visible as RETRYING.
func (c *Coordinator) RecordStepRetrying(ctx context.Context, correlationID, step, reason string) (*domain.ChoreographedSagaState, error) {
	return c.mutate(ctx, correlationID, func(state *domain.ChoreographedSagaState) (bool, error) {
		if state.Status.IsTerminal() || state.Status == domain.ChoreoStatusCompensating {
			return false, nil
		}
		state.Status = domain.ChoreoStatusRetrying
		state.ErrorMessage = fmt.Sprintf("step %s retrying: %s", step, reason)
		return true, nil
	})
}

// RecordStepFailed marks a step failure. With prior completed steps the
// saga moves to COMPENSATING and the compensation coordinator is invoked
// with the full completed-steps list; with none it fails directly.
func (c *Coordinator) RecordStepFailed(ctx context.Context, correlationID, step, errorMessage string) (*domain.ChoreographedSagaState, error) {
	state, err := c.mutate(ctx, correlationID, func(state *domain.ChoreographedSagaState) (bool, error) {
		if state.Status.IsTerminal() || state.Status == domain.ChoreoStatusCompensating {
			return false, nil
		}
		state.FailedSteps = append(state.FailedSteps, step)
		state.ErrorMessage = errorMessage
		if len(state.CompletedSteps) > 0 {
			state.Status = domain.ChoreoStatusCompensating
			state.CompensationRequired = true
		} else {
			state.Status = domain.ChoreoStatusFailed
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if state.Status == domain.ChoreoStatusCompensating {
		c.triggerCompensation(ctx, state, step, errorMessage)
	}
	return state, nil
}

// MarkCompensated records that every compensation action for the saga
// completed, closing the COMPENSATING window.
func (c *Coordinator) MarkCompensated(ctx context.Context, sagaID string) (*domain.ChoreographedSagaState, error) {
	state, err := c.states.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return c.mutate(ctx, state.CorrelationID, func(state *domain.ChoreographedSagaState) (bool, error) {
		if state.Status != domain.ChoreoStatusCompensating && state.Status != domain.ChoreoStatusTimedOut {
			return false, nil
		}
		state.Status = domain.ChoreoStatusCompensated
		return true, nil
	})
}

// HandleEvent adapts an inbound domain event to a step recording, feeding
// the coordinator from the event dispatcher.
func (c *Coordinator) HandleEvent(ctx context.Context, event *domain.Event) error {
	if event.CorrelationID == "" {
		return nil
	}
	var err error
	switch event.EventType {
	case domain.EventPaymentFailed:
		_, err = c.RecordStepFailed(ctx, event.CorrelationID, string(event.EventType), "payment failed")
	default:
		_, err = c.RecordStepCompleted(ctx, event.CorrelationID, string(event.EventType), nil)
	}
	if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.CodeSagaNotFound {
		// Events for flows this coordinator does not track are normal.
		return nil
	}
	return err
}

// HandleTimeouts moves sagas past their deadline to TIMED_OUT with
// compensation required, then compensates those with completed steps.
func (c *Coordinator) HandleTimeouts(ctx context.Context) (int, error) {
	overdue, err := c.states.FindTimedOut(ctx, time.Now().UTC(), 100)
	if err != nil {
		return 0, err
	}

	timedOut := 0
	for _, stale := range overdue {
		state, err := c.mutate(ctx, stale.CorrelationID, func(state *domain.ChoreographedSagaState) (bool, error) {
			if state.Status.IsTerminal() || state.Status == domain.ChoreoStatusTimedOut {
				return false, nil
			}
			state.Status = domain.ChoreoStatusTimedOut
			state.CompensationRequired = true
			state.ErrorMessage = "saga exceeded its timeout"
			return true, nil
		})
		if err != nil {
			logger.Warn("Failed to time out saga",
				zap.String("saga_id", stale.SagaID), zap.Error(err))
			continue
		}
		if state.Status != domain.ChoreoStatusTimedOut {
			continue
		}
		timedOut++
		logger.Warn("Choreographed saga timed out",
			zap.String("saga_id", state.SagaID),
			zap.Strings("completed_steps", state.CompletedSteps),
		)
		if len(state.CompletedSteps) > 0 {
			c.triggerCompensation(ctx, state, "Timeout", state.ErrorMessage)
			if _, err := c.mutate(ctx, state.CorrelationID, func(state *domain.ChoreographedSagaState) (bool, error) {
				if state.Status != domain.ChoreoStatusTimedOut {
					return false, nil
				}
				state.Status = domain.ChoreoStatusCompensating
				return true, nil
			}); err != nil {
				logger.Warn("Failed to mark saga compensating",
					zap.String("saga_id", state.SagaID), zap.Error(err))
			}
		}
	}
	return timedOut, nil
}

// GetSaga returns the tracked state by saga id.
func (c *Coordinator) GetSaga(ctx context.Context, sagaID string) (*domain.ChoreographedSagaState, error) {
	return c.states.Get(ctx, sagaID)
}

// GetSagaByCorrelation returns the tracked state by correlation id.
func (c *Coordinator) GetSagaByCorrelation(ctx context.Context, correlationID string) (*domain.ChoreographedSagaState, error) {
	return c.states.GetByCorrelation(ctx, correlationID)
}

// ListActive returns sagas that have not reached a terminal status.
func (c *Coordinator) ListActive(ctx context.Context) ([]*domain.ChoreographedSagaState, error) {
	return c.states.ListActive(ctx)
}

// Statistics returns saga counts grouped by status.
func (c *Coordinator) Statistics(ctx context.Context) (map[domain.ChoreographedSagaStatus]int64, error) {
	return c.states.CountByStatus(ctx)
}

// CleanupTerminal removes terminal sagas past the retention window.
func (c *Coordinator) CleanupTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	return c.states.DeleteTerminalBefore(ctx, cutoff)
}

// mutate loads the saga by correlation id, applies fn, and writes the
// result with a version-checked update, re-reading on lost CAS. fn
// returns false to skip the write.
func (c *Coordinator) mutate(ctx context.Context, correlationID string, fn func(*domain.ChoreographedSagaState) (bool, error)) (*domain.ChoreographedSagaState, error) {
	for attempt := 0; ; attempt++ {
		state, err := c.states.GetByCorrelation(ctx, correlationID)
		if err != nil {
			return nil, err
		}
		changed, err := fn(state)
		if err != nil {
			return nil, err
		}
		if !changed {
			return state, nil
		}

		err = c.states.Update(ctx, state, state.Version)
		if err == nil {
			metrics.SagaTransitions.WithLabelValues(string(state.Status)).Inc()
			return state, nil
		}
		appErr, ok := apperrors.IsAppError(err)
		if !ok || appErr.Code != apperrors.CodeOptimisticLockConflict || attempt+1 >= c.cfg.UpdateRetries {
			return nil, err
		}
		logger.Debug("Choreography update lost version race, retrying",
			zap.String("correlation_id", correlationID),
			zap.Int("attempt", attempt+1),
		)
	}
}

func (c *Coordinator) triggerCompensation(ctx context.Context, state *domain.ChoreographedSagaState, failedStep, errorMessage string) {
	if c.compensator == nil {
		return
	}
	_, err := c.compensator.CompensateSaga(ctx, state.SagaID, state.CorrelationID,
		failedStep, errorMessage, state.CompletedSteps)
	if err != nil {
		logger.Error("Failed to enqueue compensation",
			zap.String("saga_id", state.SagaID),
			zap.Error(err),
		)
	}
}
