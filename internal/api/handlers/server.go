// Package handlers implements the HTTP API: sale saga lifecycle,
// choreographed saga tracking, event store queries, replay operations and
// compensation inspection. Handlers register their routes via Register.
package handlers

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"salecoord.io/salecoord/internal/choreography"
	"salecoord.io/salecoord/internal/compensation"
	"salecoord.io/salecoord/internal/eventstore"
	"salecoord.io/salecoord/internal/orchestrator"
	"salecoord.io/salecoord/internal/replay"
)

// Server implements all API handlers.
type Server struct {
	pool          *pgxpool.Pool
	engine        *orchestrator.Engine
	choreographer *choreography.Coordinator
	compensator   *compensation.Coordinator
	replayer      *replay.Service
	replayHandler replay.Handler
	events        eventstore.Store
	reconstructor *eventstore.Reconstructor
}

// ServerDeps holds all dependencies for creating a Server. Manual DI, no
// framework. Pool is nil when running on in-memory stores.
type ServerDeps struct {
	Pool          *pgxpool.Pool
	Engine        *orchestrator.Engine
	Choreographer *choreography.Coordinator
	Compensator   *compensation.Coordinator
	Replayer      *replay.Service
	ReplayHandler replay.Handler
	Events        eventstore.Store
	Reconstructor *eventstore.Reconstructor
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		pool:          deps.Pool,
		engine:        deps.Engine,
		choreographer: deps.Choreographer,
		compensator:   deps.Compensator,
		replayer:      deps.Replayer,
		replayHandler: deps.ReplayHandler,
		events:        deps.Events,
		reconstructor: deps.Reconstructor,
	}
}
