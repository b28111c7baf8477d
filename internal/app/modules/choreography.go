package modules

import (
	"context"

	"github.com/riverqueue/river"

	"salecoord.io/salecoord/internal/api/handlers"
	"salecoord.io/salecoord/internal/choreography"
	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/jobs"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// choreographyEvents are the business event types the coordinator tracks
// as saga steps.
var choreographyEvents = []domain.EventType{
	domain.EventOrderCreated,
	domain.EventInventoryReserved,
	domain.EventPaymentAuthorized,
	domain.EventPaymentProcessed,
	domain.EventPaymentFailed,
	domain.EventOrderConfirmed,
	domain.EventOrderDelivered,
	domain.EventOrderFulfilled,
}

// ChoreographyModule wires the choreographed saga coordinator and
// subscribes it to the event dispatcher.
type ChoreographyModule struct {
	infra       *Infrastructure
	coordinator *choreography.Coordinator
}

// NewChoreographyModule creates the choreography module. It shares the
// sale module's compensation coordinator and closes the COMPENSATING
// window once a saga's undo plan fully completes.
func NewChoreographyModule(infra *Infrastructure, sale *SaleModule) *ChoreographyModule {
	cfg := infra.Config

	coordinator := choreography.NewCoordinator(
		choreography.NewPostgresStateStore(infra.Pool),
		sale.Compensator(),
		domain.DefaultTerminalSteps(),
		choreography.CoordinatorConfig{
			SagaTimeout:   cfg.Saga.ChoreographyTimeout,
			UpdateRetries: cfg.Saga.TransitionRetries,
		},
	)

	sale.Compensator().OnSagaCompensated(func(ctx context.Context, sagaID string) {
		// Orchestrated saga ids are not tracked here.
		if _, err := coordinator.MarkCompensated(ctx, sagaID); err != nil {
			if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.CodeSagaNotFound {
				return
			}
		}
	})

	for _, eventType := range choreographyEvents {
		infra.Dispatcher.Register(eventType, coordinator.HandleEvent)
	}

	return &ChoreographyModule{infra: infra, coordinator: coordinator}
}

// Coordinator returns the choreographed saga coordinator.
func (m *ChoreographyModule) Coordinator() *choreography.Coordinator { return m.coordinator }

func (m *ChoreographyModule) Name() string { return "choreography" }

func (m *ChoreographyModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Choreographer = m.coordinator
}

func (m *ChoreographyModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	river.AddWorker(workers, jobs.NewChoreographyTimeoutWorker(m.coordinator))
}

func (m *ChoreographyModule) Shutdown(context.Context) error { return nil }
