package domain

import "time"

// SagaType identifies a fixed choreographed step sequence.
type SagaType string

const (
	SagaTypeOrderProcessing   SagaType = "ORDER_PROCESSING"
	SagaTypePaymentProcessing SagaType = "PAYMENT_PROCESSING"
)

// ChoreographedSagaStatus is the observed status of a choreographed saga.
type ChoreographedSagaStatus string

const (
	ChoreoStatusStarted      ChoreographedSagaStatus = "STARTED"
	ChoreoStatusInProgress   ChoreographedSagaStatus = "IN_PROGRESS"
	ChoreoStatusRetrying     ChoreographedSagaStatus = "RETRYING"
	ChoreoStatusCompensating ChoreographedSagaStatus = "COMPENSATING"
	ChoreoStatusCompleted    ChoreographedSagaStatus = "COMPLETED"
	ChoreoStatusCompensated  ChoreographedSagaStatus = "COMPENSATED"
	ChoreoStatusFailed       ChoreographedSagaStatus = "FAILED"
	ChoreoStatusTimedOut     ChoreographedSagaStatus = "TIMED_OUT"
)

// IsTerminal reports whether the status is a terminal outcome.
func (s ChoreographedSagaStatus) IsTerminal() bool {
	switch s {
	case ChoreoStatusCompleted, ChoreoStatusCompensated, ChoreoStatusFailed:
		return true
	}
	return false
}

// ChoreographedSagaState tracks a saga whose progress is inferred from
// asynchronously arriving step events. CompletedSteps only grows;
// compensation walks it in reverse.
type ChoreographedSagaState struct {
	SagaID               string                  `json:"saga_id"`
	CorrelationID        string                  `json:"correlation_id"`
	SagaType             SagaType                `json:"saga_type"`
	Status               ChoreographedSagaStatus `json:"status"`
	CompletedSteps       []string                `json:"completed_steps"`
	FailedSteps          []string                `json:"failed_steps,omitempty"`
	SagaData             map[string]string       `json:"saga_data,omitempty"`
	TimeoutAt            time.Time               `json:"timeout_at"`
	CompensationRequired bool                    `json:"compensation_required"`
	ErrorMessage         string                  `json:"error_message,omitempty"`
	Version              int64                   `json:"version"`
	CreatedAt            time.Time               `json:"created_at"`
	UpdatedAt            time.Time               `json:"updated_at"`
}

// HasCompletedStep reports whether the step was already recorded, the
// dedupe backstop against event redelivery.
func (s *ChoreographedSagaState) HasCompletedStep(step string) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// TerminalSteps maps each saga type to the step names whose completion
// finishes the saga. Injected into the coordinator at construction so
// deployments can override the step sequences.
type TerminalSteps map[SagaType][]string

// DefaultTerminalSteps returns the built-in step sequences for the sale
// flow saga types.
func DefaultTerminalSteps() TerminalSteps {
	return TerminalSteps{
		SagaTypeOrderProcessing:   {string(EventOrderDelivered), string(EventOrderFulfilled)},
		SagaTypePaymentProcessing: {string(EventPaymentProcessed)},
	}
}

// IsLastStep reports whether completing step finishes a saga of the given type.
func (t TerminalSteps) IsLastStep(sagaType SagaType, step string) bool {
	for _, last := range t[sagaType] {
		if last == step {
			return true
		}
	}
	return false
}
