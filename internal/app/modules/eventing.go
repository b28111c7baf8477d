package modules

import (
	"context"

	"github.com/riverqueue/river"

	"salecoord.io/salecoord/internal/api/handlers"
	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/eventstore"
	"salecoord.io/salecoord/internal/replay"
)

// EventingModule wires the event store, state reconstruction and replay.
// Appends go through the cache-invalidating wrapper so reconstruction
// never serves a stale aggregate.
type EventingModule struct {
	infra         *Infrastructure
	store         eventstore.Store
	reconstructor *eventstore.Reconstructor
	replayer      *replay.Service
	replayHandler replay.Handler
}

// NewEventingModule creates the eventing module on the shared pool.
func NewEventingModule(infra *Infrastructure) *EventingModule {
	base := eventstore.NewPostgresStore(infra.Pool)
	reconstructor := eventstore.NewReconstructor(base, domain.NewPayloadRegistry())
	store := eventstore.WithCacheInvalidation(base, reconstructor)

	return &EventingModule{
		infra:         infra,
		store:         store,
		reconstructor: reconstructor,
		replayer:      replay.NewService(store, infra.Pools),
		replayHandler: replay.NewDispatchHandler(infra.Dispatcher),
	}
}

// Store returns the shared event store for other modules.
func (m *EventingModule) Store() eventstore.Store { return m.store }

func (m *EventingModule) Name() string { return "eventing" }

func (m *EventingModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Events = m.store
	deps.Reconstructor = m.reconstructor
	deps.Replayer = m.replayer
	deps.ReplayHandler = m.replayHandler
}

func (m *EventingModule) RegisterWorkers(*river.Workers) {}

func (m *EventingModule) Shutdown(context.Context) error { return nil }
