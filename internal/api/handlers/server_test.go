package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"salecoord.io/salecoord/internal/api/middleware"
	"salecoord.io/salecoord/internal/choreography"
	"salecoord.io/salecoord/internal/collaborator"
	"salecoord.io/salecoord/internal/compensation"
	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/eventstore"
	"salecoord.io/salecoord/internal/orchestrator"
	"salecoord.io/salecoord/internal/pkg/logger"
	"salecoord.io/salecoord/internal/pkg/worker"
	"salecoord.io/salecoord/internal/replay"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

type fakeInventory struct {
	available bool
}

func (f *fakeInventory) VerifyStock(context.Context, string, string, string, int) (*collaborator.StockCheck, error) {
	return &collaborator.StockCheck{Available: f.available}, nil
}

func (f *fakeInventory) ReserveStock(context.Context, string, string, string, int) (string, error) {
	return "res-1", nil
}

func (f *fakeInventory) ReleaseStock(context.Context, string, string, string) error { return nil }

type fakePayment struct{ declineWith error }

func (f *fakePayment) ProcessPayment(context.Context, string, string, string, float64) (string, error) {
	if f.declineWith != nil {
		return "", f.declineWith
	}
	return "txn-1", nil
}

type fakeOrders struct{}

func (fakeOrders) CreateOrder(context.Context, string, string, string, string, int) (string, error) {
	return "order-1", nil
}

type fixture struct {
	router    *gin.Engine
	inventory *fakeInventory
	payment   *fakePayment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pools, err := worker.NewPools(context.Background(), worker.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	events := eventstore.NewMemoryStore()
	reconstructor := eventstore.NewReconstructor(events, domain.NewPayloadRegistry())
	actionStore := compensation.NewMemoryActionStore()
	compensator := compensation.NewCoordinator(actionStore,
		compensation.NewHTTPExecutor(func(string) (string, bool) { return "", false }, 0),
		compensation.RegistryFromEndpoints(nil), compensation.CoordinatorConfig{})

	inventory := &fakeInventory{available: true}
	payment := &fakePayment{}
	engine := orchestrator.NewEngine(
		orchestrator.NewMemoryExecutionStore(), events,
		collaborator.NewMemoryReservationStore(),
		inventory, payment, fakeOrders{}, compensator, pools,
		orchestrator.EngineConfig{},
	)

	choreographer := choreography.NewCoordinator(
		choreography.NewMemoryStateStore(), compensator,
		domain.DefaultTerminalSteps(), choreography.CoordinatorConfig{})

	dispatcher := domain.NewEventDispatcher()
	replayer := replay.NewService(events, pools)

	server := NewServer(ServerDeps{
		Engine:        engine,
		Choreographer: choreographer,
		Compensator:   compensator,
		Replayer:      replayer,
		ReplayHandler: replay.NewDispatchHandler(dispatcher),
		Events:        events,
		Reconstructor: reconstructor,
	})

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	server.Register(router.Group("/api/v1"))
	return &fixture{router: router, inventory: inventory, payment: payment}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestStartSale_HappyPath(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"customer_id": "42", "product_id": "P1", "quantity": 2, "amount": 19.99,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var exec domain.SagaExecution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	require.Equal(t, domain.StateSaleConfirmed, exec.CurrentState)
	require.NotEmpty(t, exec.SagaID)
	require.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	// The saga is queryable and has an audit trail.
	w = f.do(t, http.MethodGet, "/api/v1/sales/"+exec.SagaID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/sales/"+exec.SagaID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Events []*domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trail))
	require.NotEmpty(t, trail.Events)
}

func TestStartSale_ValidationAndNotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"customer_id": "", "product_id": "P1", "quantity": 1, "amount": 10,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/sales/00000000-0000-0000-0000-000000000000", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartSale_BusinessFailureIsNotHTTPError(t *testing.T) {
	f := newFixture(t)
	f.inventory.available = false

	w := f.do(t, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"customer_id": "42", "product_id": "P1", "quantity": 1, "amount": 10,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var exec domain.SagaExecution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	require.Equal(t, domain.StateSaleFailed, exec.CurrentState)
}

func TestChoreographyFlow(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/choreography/sagas", map[string]interface{}{
		"saga_type": string(domain.SagaTypePaymentProcessing), "correlation_id": "corr-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/choreography/sagas/corr-1/steps", map[string]interface{}{
		"step_name": string(domain.EventPaymentProcessed), "outcome": "completed",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var state domain.ChoreographedSagaState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	require.Equal(t, domain.ChoreoStatusCompleted, state.Status)

	w = f.do(t, http.MethodPost, "/api/v1/choreography/sagas/corr-1/steps", map[string]interface{}{
		"step_name": "X", "outcome": "bogus",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/statistics/choreography", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestEventQueriesAndReconstruction(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"customer_id": "42", "product_id": "P1", "quantity": 1, "amount": 10,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var exec domain.SagaExecution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))

	w = f.do(t, http.MethodGet, "/api/v1/events/aggregates/"+exec.SagaID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/events/aggregates/"+exec.SagaID+"/state", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/events/aggregates/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/events/aggregates/"+exec.SagaID+"?from_version=bad", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/events/cache/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/events/cache", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestListEventsPagination(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"customer_id": "42", "product_id": "P1", "quantity": 1, "amount": 10,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/events?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Events []*domain.Event `json:"events"`
		Limit  int             `json:"limit"`
		Offset int             `json:"offset"`
		Total  int64           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 2)
	require.Equal(t, 2, page.Limit)
	require.Greater(t, page.Total, int64(2))

	// The second page starts where the first left off.
	first := page.Events[0].EventID
	w = f.do(t, http.MethodGet, "/api/v1/events?limit=2&offset=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.NotEmpty(t, page.Events)
	require.NotEqual(t, first, page.Events[0].EventID)

	// An offset past the end yields an empty page, not an error.
	w = f.do(t, http.MethodGet, "/api/v1/events?offset=100000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Empty(t, page.Events)

	w = f.do(t, http.MethodGet, "/api/v1/events?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/events?offset=-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReplayEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"customer_id": "42", "product_id": "P1", "quantity": 1, "amount": 10,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var exec domain.SagaExecution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))

	w = f.do(t, http.MethodPost, "/api/v1/replay/aggregates/"+exec.SagaID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result struct {
		Processed int `json:"processed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Positive(t, result.Processed)

	w = f.do(t, http.MethodGet, "/api/v1/replay/runs/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/replay/time-range", map[string]interface{}{
		"from": "2026-01-02T00:00:00Z", "to": "2026-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompensationEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/compensation/sagas/saga-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/compensation/actions/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/statistics/compensation", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndAdmin(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/health/live", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/health/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPut, "/api/v1/admin/log-level", map[string]interface{}{"level": "warn"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/admin/log-level", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "warn")

	// Restore so other packages logging stays quiet.
	w = f.do(t, http.MethodPut, "/api/v1/admin/log-level", map[string]interface{}{"level": "error"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPut, "/api/v1/admin/log-level", map[string]interface{}{"level": "bogus"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestStartSaleAsyncAccepted(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sales/async", map[string]interface{}{
		"customer_id": "42", "product_id": "P1", "quantity": 1, "amount": 10,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var exec domain.SagaExecution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	require.Equal(t, domain.StateSaleInitiated, exec.CurrentState)
	require.NotEmpty(t, exec.SagaID)
}
