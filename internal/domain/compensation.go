package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CompensationStatus tracks the lifecycle of one undo action.
type CompensationStatus string

const (
	CompensationPending    CompensationStatus = "PENDING"
	CompensationInProgress CompensationStatus = "IN_PROGRESS"
	CompensationCompleted  CompensationStatus = "COMPLETED"
	CompensationFailed     CompensationStatus = "FAILED"
	CompensationSkipped    CompensationStatus = "SKIPPED"
	CompensationCancelled  CompensationStatus = "CANCELLED"
)

// IsTerminal reports whether the action will never be re-queued.
// FAILED is terminal only once retries are exhausted; the coordinator
// checks RetryCount against its limit before re-queueing.
func (s CompensationStatus) IsTerminal() bool {
	switch s {
	case CompensationCompleted, CompensationSkipped, CompensationCancelled:
		return true
	}
	return false
}

// CompensationAction is one undo step of a failed saga. Lower Priority
// executes first. An action only executes once ExecuteAfter has passed.
type CompensationAction struct {
	ActionID             string             `json:"action_id"`
	SagaID               string             `json:"saga_id"`
	CorrelationID        string             `json:"correlation_id"`
	StepName             string             `json:"step_name"`
	ServiceName          string             `json:"service_name"`
	CompensationEndpoint string             `json:"compensation_endpoint"`
	Payload              []byte             `json:"payload,omitempty"`
	Priority             int                `json:"priority"`
	Status               CompensationStatus `json:"status"`
	RetryCount           int                `json:"retry_count"`
	ExecuteAfter         time.Time          `json:"execute_after"`
	ErrorMessage         string             `json:"error_message,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// CompensationParams carries the validated inputs for a new action.
type CompensationParams struct {
	SagaID               string
	CorrelationID        string
	StepName             string
	ServiceName          string
	CompensationEndpoint string
	Payload              []byte
	Priority             int
}

// NewCompensationAction builds a PENDING action ready for immediate
// execution. Required fields are validated up front.
func NewCompensationAction(p CompensationParams) (*CompensationAction, error) {
	switch {
	case p.SagaID == "":
		return nil, fmt.Errorf("compensation action: saga id is required")
	case p.StepName == "":
		return nil, fmt.Errorf("compensation action: step name is required")
	case p.ServiceName == "":
		return nil, fmt.Errorf("compensation action: service name is required")
	case p.CompensationEndpoint == "":
		return nil, fmt.Errorf("compensation action: endpoint is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("compensation action: generate id: %w", err)
	}
	now := time.Now().UTC()
	return &CompensationAction{
		ActionID:             id.String(),
		SagaID:               p.SagaID,
		CorrelationID:        p.CorrelationID,
		StepName:             p.StepName,
		ServiceName:          p.ServiceName,
		CompensationEndpoint: p.CompensationEndpoint,
		Payload:              p.Payload,
		Priority:             p.Priority,
		Status:               CompensationPending,
		ExecuteAfter:         now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}
