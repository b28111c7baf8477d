package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"salecoord.io/salecoord/internal/collaborator"
	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

type stubExecutor struct {
	mu       sync.Mutex
	executed []string
	failFor  map[string]error
}

func (s *stubExecutor) Execute(_ context.Context, action *domain.CompensationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, action.StepName)
	if err, ok := s.failFor[action.StepName]; ok {
		return err
	}
	return nil
}

func (s *stubExecutor) steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

func testRegistry() Registry {
	return Registry{
		"StockReserved":    {ServiceName: "inventory", Path: "/api/stock/release"},
		"PaymentProcessed": {ServiceName: "payment", Path: "/api/payment/refund"},
		"OrderCreated":     {ServiceName: "store", Path: "/api/orders/cancel"},
	}
}

func newFixture(cfg CoordinatorConfig, executor Executor) (*Coordinator, *MemoryActionStore) {
	store := NewMemoryActionStore()
	return NewCoordinator(store, executor, testRegistry(), cfg), store
}

func TestCompensateSaga_ReversesCompletedSteps(t *testing.T) {
	ctx := context.Background()
	coord, _ := newFixture(CoordinatorConfig{}, &stubExecutor{})

	plan, err := coord.CompensateSaga(ctx, "saga-1", "corr-1", "OrderConfirmation", "store down",
		[]string{"StockReserved", "PaymentProcessed"})
	require.NoError(t, err)
	require.Len(t, plan, 2)

	// The most recent step undoes first.
	require.Equal(t, "PaymentProcessed", plan[0].StepName)
	require.Equal(t, 1, plan[0].Priority)
	require.Equal(t, "/api/payment/refund", plan[0].CompensationEndpoint)
	require.Equal(t, "StockReserved", plan[1].StepName)
	require.Equal(t, 2, plan[1].Priority)

	for _, action := range plan {
		require.Equal(t, domain.CompensationPending, action.Status)
		var payload compensationPayload
		require.NoError(t, json.Unmarshal(action.Payload, &payload))
		require.Equal(t, "saga-1", payload.SagaID)
		require.Equal(t, "OrderConfirmation", payload.FailedStep)
	}

	stored, err := coord.GetActions(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestCompensateSaga_UnknownStepSkipped(t *testing.T) {
	ctx := context.Background()
	coord, _ := newFixture(CoordinatorConfig{}, &stubExecutor{})

	plan, err := coord.CompensateSaga(ctx, "saga-1", "corr-1", "Shipping", "",
		[]string{"StockReserved", "LabelPrinted"})
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Equal(t, "StockReserved", plan[0].StepName)
}

func TestCompensateSaga_NoCompensableSteps(t *testing.T) {
	ctx := context.Background()
	coord, _ := newFixture(CoordinatorConfig{}, &stubExecutor{})

	plan, err := coord.CompensateSaga(ctx, "saga-1", "corr-1", "StockVerification", "", nil)
	require.NoError(t, err)
	require.Empty(t, plan)
}

func TestProcessReady_ExecutesInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	executor := &stubExecutor{}
	coord, _ := newFixture(CoordinatorConfig{}, executor)

	var compensatedSagas []string
	coord.OnSagaCompensated(func(_ context.Context, sagaID string) {
		compensatedSagas = append(compensatedSagas, sagaID)
	})

	_, err := coord.CompensateSaga(ctx, "saga-1", "corr-1", "OrderConfirmation", "store down",
		[]string{"StockReserved", "PaymentProcessed", "OrderCreated"})
	require.NoError(t, err)

	ran, err := coord.ProcessReady(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, ran)
	require.Equal(t, []string{"OrderCreated", "PaymentProcessed", "StockReserved"}, executor.steps())

	actions, err := coord.GetActions(ctx, "saga-1")
	require.NoError(t, err)
	for _, action := range actions {
		require.Equal(t, domain.CompensationCompleted, action.Status)
	}
	require.Equal(t, []string{"saga-1"}, compensatedSagas)
}

func TestProcessReady_FailureRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	executor := &stubExecutor{failFor: map[string]error{
		"PaymentProcessed": errors.New("refund endpoint down"),
	}}
	coord, store := newFixture(CoordinatorConfig{MaxRetries: 3, RetryDelay: time.Hour}, executor)

	plan, err := coord.CompensateSaga(ctx, "saga-1", "corr-1", "OrderConfirmation", "",
		[]string{"PaymentProcessed"})
	require.NoError(t, err)
	actionID := plan[0].ActionID

	ran, err := coord.ProcessReady(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ran)

	action, err := store.Get(ctx, actionID)
	require.NoError(t, err)
	require.Equal(t, domain.CompensationPending, action.Status)
	require.Equal(t, 1, action.RetryCount)
	require.Contains(t, action.ErrorMessage, "refund endpoint down")
	// Backoff gates the next attempt.
	require.True(t, action.ExecuteAfter.After(time.Now().UTC().Add(30*time.Minute)))

	// Still gated, so another sweep claims nothing.
	ran, err = coord.ProcessReady(ctx)
	require.NoError(t, err)
	require.Zero(t, ran)
}

func TestProcessReady_ExhaustedRetriesTurnFailed(t *testing.T) {
	ctx := context.Background()
	executor := &stubExecutor{failFor: map[string]error{
		"StockReserved": errors.New("inventory unreachable"),
	}}
	// No backoff so every sweep retries immediately.
	coord, store := newFixture(CoordinatorConfig{MaxRetries: 3, RetryDelay: time.Nanosecond}, executor)

	plan, err := coord.CompensateSaga(ctx, "saga-1", "corr-1", "Payment", "",
		[]string{"StockReserved"})
	require.NoError(t, err)
	actionID := plan[0].ActionID

	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		_, err := coord.ProcessReady(ctx)
		require.NoError(t, err)
	}

	action, err := store.Get(ctx, actionID)
	require.NoError(t, err)
	require.Equal(t, domain.CompensationFailed, action.Status)
	require.Equal(t, 3, action.RetryCount)

	// FAILED actions never re-enter the queue.
	ran, err := coord.ProcessReady(ctx)
	require.NoError(t, err)
	require.Zero(t, ran)
	require.Len(t, executor.steps(), 3)
}

func TestProcessReady_ReclaimsOrphanedClaims(t *testing.T) {
	ctx := context.Background()
	executor := &stubExecutor{}
	coord, store := newFixture(CoordinatorConfig{ClaimStaleAfter: time.Millisecond}, executor)

	plan, err := coord.CompensateSaga(ctx, "saga-1", "corr-1", "Payment", "",
		[]string{"StockReserved"})
	require.NoError(t, err)
	actionID := plan[0].ActionID

	// Claim directly and never write an outcome, the state a process
	// crash between claim and execution leaves behind.
	now := time.Now().UTC()
	claimed, err := store.ClaimReady(ctx, now, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	stranded, err := store.Get(ctx, actionID)
	require.NoError(t, err)
	require.Equal(t, domain.CompensationInProgress, stranded.Status)

	// A fresh claim is not up for grabs.
	claimed, err = store.ClaimReady(ctx, now, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	// Past the staleness horizon the sweep takes the claim over and
	// finishes the action.
	time.Sleep(5 * time.Millisecond)
	ran, err := coord.ProcessReady(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ran)

	action, err := store.Get(ctx, actionID)
	require.NoError(t, err)
	require.Equal(t, domain.CompensationCompleted, action.Status)
	require.Equal(t, []string{"StockReserved"}, executor.steps())
}

func TestCoordinator_ManualResolution(t *testing.T) {
	ctx := context.Background()
	executor := &stubExecutor{failFor: map[string]error{
		"StockReserved": errors.New("inventory unreachable"),
	}}
	coord, _ := newFixture(CoordinatorConfig{MaxRetries: 1, RetryDelay: time.Nanosecond}, executor)

	var compensated bool
	coord.OnSagaCompensated(func(context.Context, string) { compensated = true })

	plan, err := coord.CompensateSaga(ctx, "saga-1", "corr-1", "Payment", "",
		[]string{"StockReserved"})
	require.NoError(t, err)

	_, err = coord.ProcessReady(ctx)
	require.NoError(t, err)

	// An operator resolves the permanently failed action by hand.
	action, err := coord.SkipAction(ctx, plan[0].ActionID)
	require.NoError(t, err)
	require.Equal(t, domain.CompensationSkipped, action.Status)
	require.True(t, compensated)

	// Terminal actions cannot be resolved twice.
	_, err = coord.SkipAction(ctx, plan[0].ActionID)
	require.Error(t, err)

	_, err = coord.CancelAction(ctx, "missing")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeCompensationNotFound, appErr.Code)
}

func TestHTTPExecutor(t *testing.T) {
	ctx := context.Background()

	var gotPath, gotCorrelation, gotSaga string
	var status int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCorrelation = r.Header.Get(collaborator.HeaderCorrelationID)
		gotSaga = r.Header.Get(collaborator.HeaderSagaID)
		w.WriteHeader(status)
	}))
	defer server.Close()

	resolver := func(string) (string, bool) { return server.URL, true }
	executor := NewHTTPExecutor(resolver, time.Second)

	action := &domain.CompensationAction{
		ActionID:             "act-1",
		SagaID:               "saga-1",
		CorrelationID:        "corr-1",
		StepName:             "PaymentProcessed",
		ServiceName:          "payment",
		CompensationEndpoint: "/api/payment/refund",
		Payload:              []byte(`{"saga_id":"saga-1"}`),
	}

	status = http.StatusOK
	require.NoError(t, executor.Execute(ctx, action))
	require.Equal(t, "/api/payment/refund", gotPath)
	require.Equal(t, "corr-1", gotCorrelation)
	require.Equal(t, "saga-1", gotSaga)

	// A missing resource means the undo already happened.
	status = http.StatusNotFound
	require.NoError(t, executor.Execute(ctx, action))

	status = http.StatusInternalServerError
	err := executor.Execute(ctx, action)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeCompensationFailed, appErr.Code)

	// Unknown services fail without a network call.
	unresolved := NewHTTPExecutor(func(string) (string, bool) { return "", false }, time.Second)
	err = unresolved.Execute(ctx, action)
	appErr, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeCompensationFailed, appErr.Code)
}
