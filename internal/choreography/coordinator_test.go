package choreography

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

type compensationCall struct {
	sagaID         string
	failedStep     string
	completedSteps []string
}

type stubCompensator struct {
	mu    sync.Mutex
	calls []compensationCall
}

func (s *stubCompensator) CompensateSaga(_ context.Context, sagaID, _, failedStep, _ string, completedSteps []string) ([]*domain.CompensationAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := append([]string(nil), completedSteps...)
	s.calls = append(s.calls, compensationCall{sagaID: sagaID, failedStep: failedStep, completedSteps: steps})
	return nil, nil
}

func newCoordinatorFixture(cfg CoordinatorConfig) (*Coordinator, *MemoryStateStore, *stubCompensator) {
	store := NewMemoryStateStore()
	compensator := &stubCompensator{}
	return NewCoordinator(store, compensator, domain.DefaultTerminalSteps(), cfg), store, compensator
}

func TestCoordinator_HappyPathToCompleted(t *testing.T) {
	ctx := context.Background()
	coord, _, compensator := newCoordinatorFixture(CoordinatorConfig{})

	state, err := coord.StartSaga(ctx, domain.SagaTypePaymentProcessing, "corr-1", map[string]string{"customer": "42"})
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusStarted, state.Status)

	state, err = coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventPaymentAuthorized), nil)
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusInProgress, state.Status)
	require.Equal(t, []string{string(domain.EventPaymentAuthorized)}, state.CompletedSteps)

	// PaymentProcessed is the terminal step for this saga type.
	state, err = coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventPaymentProcessed), map[string]string{"txn": "txn-1"})
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusCompleted, state.Status)
	require.Equal(t, "txn-1", state.SagaData["txn"])
	require.Empty(t, compensator.calls)
}

func TestCoordinator_StepRedeliveryIsDeduped(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newCoordinatorFixture(CoordinatorConfig{})

	_, err := coord.StartSaga(ctx, domain.SagaTypeOrderProcessing, "corr-1", nil)
	require.NoError(t, err)

	first, err := coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventOrderCreated), nil)
	require.NoError(t, err)
	redelivered, err := coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventOrderCreated), nil)
	require.NoError(t, err)
	require.Equal(t, first.CompletedSteps, redelivered.CompletedSteps)
	require.Equal(t, first.Version, redelivered.Version)
}

func TestCoordinator_FailureWithPriorStepsCompensates(t *testing.T) {
	ctx := context.Background()
	coord, _, compensator := newCoordinatorFixture(CoordinatorConfig{})

	_, err := coord.StartSaga(ctx, domain.SagaTypeOrderProcessing, "corr-1", nil)
	require.NoError(t, err)
	_, err = coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventInventoryReserved), nil)
	require.NoError(t, err)
	_, err = coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventPaymentProcessed), nil)
	require.NoError(t, err)

	state, err := coord.RecordStepFailed(ctx, "corr-1", string(domain.EventOrderConfirmed), "store rejected the order")
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusCompensating, state.Status)
	require.True(t, state.CompensationRequired)
	require.Equal(t, []string{string(domain.EventOrderConfirmed)}, state.FailedSteps)

	require.Len(t, compensator.calls, 1)
	require.Equal(t, []string{
		string(domain.EventInventoryReserved),
		string(domain.EventPaymentProcessed),
	}, compensator.calls[0].completedSteps)

	// Compensation completion closes the saga.
	state, err = coord.MarkCompensated(ctx, state.SagaID)
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusCompensated, state.Status)
}

func TestCoordinator_LateStepDoesNotReopenCompensatingSaga(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newCoordinatorFixture(CoordinatorConfig{})

	_, err := coord.StartSaga(ctx, domain.SagaTypeOrderProcessing, "corr-1", nil)
	require.NoError(t, err)
	_, err = coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventInventoryReserved), nil)
	require.NoError(t, err)

	state, err := coord.RecordStepFailed(ctx, "corr-1", string(domain.EventPaymentFailed), "payment declined")
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusCompensating, state.Status)

	// A step completion delivered after compensation started must not
	// flip the saga back to IN_PROGRESS.
	state, err = coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventPaymentProcessed), nil)
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusCompensating, state.Status)
	require.NotContains(t, state.CompletedSteps, string(domain.EventPaymentProcessed))

	// The COMPENSATING window still closes normally.
	state, err = coord.MarkCompensated(ctx, state.SagaID)
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusCompensated, state.Status)
}

func TestCoordinator_FailureWithoutPriorStepsFailsDirectly(t *testing.T) {
	ctx := context.Background()
	coord, _, compensator := newCoordinatorFixture(CoordinatorConfig{})

	_, err := coord.StartSaga(ctx, domain.SagaTypeOrderProcessing, "corr-1", nil)
	require.NoError(t, err)

	state, err := coord.RecordStepFailed(ctx, "corr-1", string(domain.EventOrderCreated), "order rejected")
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusFailed, state.Status)
	require.False(t, state.CompensationRequired)
	require.Empty(t, compensator.calls)
}

func TestCoordinator_RetryingStatus(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newCoordinatorFixture(CoordinatorConfig{})

	_, err := coord.StartSaga(ctx, domain.SagaTypeOrderProcessing, "corr-1", nil)
	require.NoError(t, err)

	state, err := coord.RecordStepRetrying(ctx, "corr-1", string(domain.EventPaymentProcessed), "gateway timeout")
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusRetrying, state.Status)

	// A later success resumes normal progress.
	state, err = coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventPaymentProcessed), nil)
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusInProgress, state.Status)
}

func TestCoordinator_HandleTimeouts(t *testing.T) {
	ctx := context.Background()
	coord, _, compensator := newCoordinatorFixture(CoordinatorConfig{SagaTimeout: time.Millisecond})

	_, err := coord.StartSaga(ctx, domain.SagaTypeOrderProcessing, "corr-with-steps", nil)
	require.NoError(t, err)
	_, err = coord.RecordStepCompleted(ctx, "corr-with-steps", string(domain.EventInventoryReserved), nil)
	require.NoError(t, err)

	_, err = coord.StartSaga(ctx, domain.SagaTypeOrderProcessing, "corr-no-steps", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	timedOut, err := coord.HandleTimeouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, timedOut)

	// The saga with completed steps moved on to COMPENSATING.
	withSteps, err := coord.GetSagaByCorrelation(ctx, "corr-with-steps")
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusCompensating, withSteps.Status)
	require.True(t, withSteps.CompensationRequired)
	require.Len(t, compensator.calls, 1)

	noSteps, err := coord.GetSagaByCorrelation(ctx, "corr-no-steps")
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusTimedOut, noSteps.Status)
	require.True(t, noSteps.CompensationRequired)

	// The sweep is idempotent.
	timedOut, err = coord.HandleTimeouts(ctx)
	require.NoError(t, err)
	require.Zero(t, timedOut)
}

func TestCoordinator_HandleEvent(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newCoordinatorFixture(CoordinatorConfig{})

	_, err := coord.StartSaga(ctx, domain.SagaTypePaymentProcessing, "corr-1", nil)
	require.NoError(t, err)

	event, err := domain.NewEvent("agg-1", domain.AggregateTypeOrder, domain.EventPaymentProcessed, "corr-1", nil)
	require.NoError(t, err)
	require.NoError(t, coord.HandleEvent(ctx, event))

	state, err := coord.GetSagaByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Equal(t, domain.ChoreoStatusCompleted, state.Status)

	// Events for untracked flows are ignored.
	unknown, err := domain.NewEvent("agg-2", domain.AggregateTypeOrder, domain.EventOrderCreated, "corr-unknown", nil)
	require.NoError(t, err)
	require.NoError(t, coord.HandleEvent(ctx, unknown))
}

func TestCoordinator_DuplicateCorrelationRejected(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newCoordinatorFixture(CoordinatorConfig{})

	_, err := coord.StartSaga(ctx, domain.SagaTypeOrderProcessing, "corr-1", nil)
	require.NoError(t, err)
	_, err = coord.StartSaga(ctx, domain.SagaTypePaymentProcessing, "corr-1", nil)
	require.Error(t, err)
}

func TestCoordinator_StatisticsAndCleanup(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newCoordinatorFixture(CoordinatorConfig{})

	_, err := coord.StartSaga(ctx, domain.SagaTypePaymentProcessing, "corr-1", nil)
	require.NoError(t, err)
	_, err = coord.RecordStepCompleted(ctx, "corr-1", string(domain.EventPaymentProcessed), nil)
	require.NoError(t, err)
	_, err = coord.StartSaga(ctx, domain.SagaTypeOrderProcessing, "corr-2", nil)
	require.NoError(t, err)

	stats, err := coord.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[domain.ChoreoStatusCompleted])
	require.Equal(t, int64(1), stats[domain.ChoreoStatusStarted])

	active, err := coord.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "corr-2", active[0].CorrelationID)

	time.Sleep(2 * time.Millisecond)
	removed, err := coord.CleanupTerminal(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

func TestCoordinator_UnknownSagaTypeRejected(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newCoordinatorFixture(CoordinatorConfig{})

	_, err := coord.StartSaga(ctx, domain.SagaType("UNKNOWN"), "corr-1", nil)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeInvalidRequestField, appErr.Code)
}
