package modules

import (
	"context"

	"github.com/riverqueue/river"

	"salecoord.io/salecoord/internal/api/handlers"
	"salecoord.io/salecoord/internal/collaborator"
	"salecoord.io/salecoord/internal/compensation"
	"salecoord.io/salecoord/internal/eventstore"
	"salecoord.io/salecoord/internal/jobs"
	"salecoord.io/salecoord/internal/orchestrator"
)

// SaleModule wires the orchestrated sale saga: collaborator clients,
// stock reservations, the compensation coordinator and the engine.
type SaleModule struct {
	infra       *Infrastructure
	engine      *orchestrator.Engine
	compensator *compensation.Coordinator
}

// NewSaleModule creates the sale module with explicit constructor wiring.
func NewSaleModule(infra *Infrastructure, events eventstore.Store) *SaleModule {
	cfg := infra.Config

	clients := collaborator.NewClients(
		cfg.Collaborators.InventoryURL,
		cfg.Collaborators.PaymentURL,
		cfg.Collaborators.StoreURL,
		cfg.Collaborators.CallTimeout,
	)

	compensator := compensation.NewCoordinator(
		compensation.NewPostgresActionStore(infra.Pool),
		compensation.NewHTTPExecutor(cfg.Collaborators.BaseURL, cfg.Collaborators.CallTimeout),
		compensation.RegistryFromEndpoints(cfg.Compensation.Endpoints),
		compensation.CoordinatorConfig{
			MaxRetries:      cfg.Compensation.MaxRetries,
			RetryDelay:      cfg.Compensation.RetryDelay,
			ClaimStaleAfter: cfg.Compensation.ClaimStaleAfter,
		},
	)

	engine := orchestrator.NewEngine(
		orchestrator.NewPostgresExecutionStore(infra.Pool),
		events,
		collaborator.NewPostgresReservationStore(infra.Pool),
		clients.Inventory,
		clients.Payment,
		clients.Order,
		compensator,
		infra.Pools,
		orchestrator.EngineConfig{
			StepTimeout:       cfg.Saga.StepTimeout,
			ExecutionTimeout:  cfg.Saga.ExecutionTimeout,
			TransitionRetries: cfg.Saga.TransitionRetries,
			ReservationTTL:    cfg.Saga.ReservationTTL,
		},
	)

	return &SaleModule{infra: infra, engine: engine, compensator: compensator}
}

// Engine returns the orchestrated saga engine.
func (m *SaleModule) Engine() *orchestrator.Engine { return m.engine }

// Compensator returns the compensation coordinator shared with the
// choreographed side.
func (m *SaleModule) Compensator() *compensation.Coordinator { return m.compensator }

func (m *SaleModule) Name() string { return "sale" }

func (m *SaleModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Engine = m.engine
	deps.Compensator = m.compensator
}

func (m *SaleModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	river.AddWorker(workers, jobs.NewSagaTimeoutWorker(m.engine))
	river.AddWorker(workers, jobs.NewReservationExpiryWorker(m.engine))
	river.AddWorker(workers, jobs.NewCompensationProcessWorker(m.compensator))
}

func (m *SaleModule) Shutdown(context.Context) error { return nil }
