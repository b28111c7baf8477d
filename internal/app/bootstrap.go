// Package app is the composition root: bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"salecoord.io/salecoord/internal/api/handlers"
	"salecoord.io/salecoord/internal/app/modules"
	"salecoord.io/salecoord/internal/config"
	"salecoord.io/salecoord/internal/infrastructure"
	"salecoord.io/salecoord/internal/jobs"
	"salecoord.io/salecoord/internal/pkg/worker"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.DatabaseClients
	Pools   *worker.Pools
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	eventing := modules.NewEventingModule(infra)
	sale := modules.NewSaleModule(infra, eventing.Store())
	choreo := modules.NewChoreographyModule(infra, sale)
	allModules := []modules.Module{eventing, sale, choreo}

	workers := river.NewWorkers()
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
	}
	// Retention cleanup spans every store, so it is wired here rather than
	// inside a single module.
	river.AddWorker(workers, jobs.NewRetentionCleanupWorker(
		eventing.Store(), sale.Engine(), choreo.Coordinator(), sale.Compensator(),
		cfg.Retention.Window,
	))

	if err := infra.InitRiver(workers); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}
	registerPeriodicJobs(infra, cfg)

	serverDeps := modules.NewServerDeps(infra, allModules)
	server := handlers.NewServer(serverDeps)

	return &Application{
		Config:  cfg,
		Router:  newRouter(server),
		DB:      infra.DB,
		Pools:   infra.Pools,
		Modules: allModules,
	}, nil
}

// registerPeriodicJobs schedules the maintenance sweeps. Each runs once on
// startup to recover promptly after a restart.
func registerPeriodicJobs(infra *modules.Infrastructure, cfg *config.Config) {
	if infra.RiverClient == nil {
		return
	}
	periodic := infra.RiverClient.PeriodicJobs()

	periodic.Add(river.NewPeriodicJob(
		river.PeriodicInterval(cfg.Saga.TimeoutSweepInterval),
		func() (river.JobArgs, *river.InsertOpts) { return jobs.SagaTimeoutArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	))
	periodic.Add(river.NewPeriodicJob(
		river.PeriodicInterval(cfg.Saga.TimeoutSweepInterval),
		func() (river.JobArgs, *river.InsertOpts) { return jobs.ChoreographyTimeoutArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	))
	periodic.Add(river.NewPeriodicJob(
		river.PeriodicInterval(cfg.Saga.TimeoutSweepInterval),
		func() (river.JobArgs, *river.InsertOpts) { return jobs.ReservationExpiryArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	))
	periodic.Add(river.NewPeriodicJob(
		river.PeriodicInterval(cfg.Compensation.ProcessInterval),
		func() (river.JobArgs, *river.InsertOpts) { return jobs.CompensationProcessArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	))
	periodic.Add(river.NewPeriodicJob(
		river.PeriodicInterval(cfg.Retention.SweepInterval),
		func() (river.JobArgs, *river.InsertOpts) { return jobs.RetentionCleanupArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	))
}
