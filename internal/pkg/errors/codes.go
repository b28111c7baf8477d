package errors

import "net/http"

// Error code constants. Errors carry code + params; messages stay short
// and English-only for logs.

// Event store error codes.
const (
	CodeOptimisticLockConflict = "OPTIMISTIC_LOCK_CONFLICT"
	CodeEventNotFound          = "EVENT_NOT_FOUND"
	CodeAggregateNotFound      = "AGGREGATE_NOT_FOUND"
	CodeEventVersionInvalid    = "EVENT_VERSION_INVALID"
	CodeEventPayloadInvalid    = "EVENT_PAYLOAD_INVALID"
)

// Saga error codes.
const (
	CodeSagaNotFound          = "SAGA_NOT_FOUND"
	CodeSagaAlreadyActive     = "SAGA_ALREADY_ACTIVE"
	CodeSagaInvalidTransition = "SAGA_INVALID_TRANSITION"
	CodeSagaTimedOut          = "SAGA_TIMED_OUT"
)

// Collaborator error codes.
const (
	CodeStockUnavailable     = "STOCK_UNAVAILABLE"
	CodePaymentDeclined      = "PAYMENT_DECLINED"
	CodeCollaboratorUnavail  = "COLLABORATOR_UNAVAILABLE"
	CodeCollaboratorRejected = "COLLABORATOR_REJECTED"
	CodeResourceNotFound     = "RESOURCE_NOT_FOUND"
)

// Compensation error codes.
const (
	CodeCompensationFailed   = "COMPENSATION_FAILED"
	CodeCompensationNotFound = "COMPENSATION_NOT_FOUND"
	CodeCompensationUnknown  = "COMPENSATION_STEP_UNKNOWN"
)

// Replay error codes.
const (
	CodeReplayNotFound = "REPLAY_NOT_FOUND"
	CodeReplayFailed   = "REPLAY_FAILED"
)

// Validation error codes.
const (
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeValidationFailed    = "VALIDATION_FAILED"
)

// Convenience constructors using predefined codes.

// ErrOptimisticLockConflictf creates a version conflict error (409).
func ErrOptimisticLockConflictf(aggregateID string, expected, actual int64) *AppError {
	return Conflict(CodeOptimisticLockConflict, "aggregate version conflict").
		WithParams(map[string]interface{}{
			"aggregate_id":     aggregateID,
			"expected_version": expected,
			"actual_version":   actual,
		})
}

// ErrSagaNotFoundf creates a saga not found error.
func ErrSagaNotFoundf(sagaID string) *AppError {
	return NotFound(CodeSagaNotFound, "saga not found").
		WithParams(map[string]interface{}{"saga_id": sagaID})
}

// ErrSagaAlreadyActivef signals a concurrent saga for the same customer and product.
func ErrSagaAlreadyActivef(customerID, productID string) *AppError {
	return Conflict(CodeSagaAlreadyActive, "another sale saga is active for this customer and product").
		WithParams(map[string]interface{}{
			"customer_id": customerID,
			"product_id":  productID,
		})
}

// ErrSagaTimedOutf marks a saga forced to failure by the timeout sweep.
func ErrSagaTimedOutf(sagaID string) *AppError {
	return New(CodeSagaTimedOut, "saga exceeded its execution timeout", http.StatusGatewayTimeout).
		WithParams(map[string]interface{}{"saga_id": sagaID})
}

// ErrStockUnavailablef creates a stock shortage error.
func ErrStockUnavailablef(productID string, requested int) *AppError {
	return &AppError{
		Code:       CodeStockUnavailable,
		Message:    "insufficient stock for product",
		HTTPStatus: http.StatusConflict,
		Params: map[string]interface{}{
			"product_id": productID,
			"requested":  requested,
		},
	}
}

// ErrCollaboratorUnavailf creates a downstream service unavailable error.
func ErrCollaboratorUnavailf(service string, err error) *AppError {
	e := Unavailable(CodeCollaboratorUnavail, "downstream service unavailable").
		WithParams(map[string]interface{}{"service": service})
	e.Err = err
	return e
}
