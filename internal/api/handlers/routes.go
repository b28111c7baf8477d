package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Register wires all routes onto the router group.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/health/live", s.GetLiveness)
	r.GET("/health/ready", s.GetReadiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/sales", s.StartSale)
	r.POST("/sales/async", s.StartSaleAsync)
	r.GET("/sales/:saga_id", s.GetSale)
	r.GET("/sales/:saga_id/events", s.GetSaleAuditTrail)

	r.POST("/choreography/sagas", s.StartChoreographedSaga)
	r.GET("/choreography/sagas", s.ListActiveChoreographedSagas)
	r.GET("/choreography/sagas/:correlation_id", s.GetChoreographedSaga)
	r.POST("/choreography/sagas/:correlation_id/steps", s.RecordChoreographyStep)

	r.GET("/events", s.ListEvents)
	r.GET("/events/aggregates/:aggregate_id", s.GetAggregateEvents)
	r.GET("/events/aggregates/:aggregate_id/state", s.GetAggregateState)
	r.GET("/events/by-correlation/:correlation_id", s.GetEventsByCorrelation)
	r.GET("/events/cache/statistics", s.GetCacheStatistics)
	r.DELETE("/events/cache", s.InvalidateCache)

	r.POST("/replay/aggregates/:aggregate_id", s.ReplayAggregate)
	r.POST("/replay/aggregates/:aggregate_id/async", s.ReplayAggregateAsync)
	r.POST("/replay/by-type/:event_type", s.ReplayByType)
	r.POST("/replay/time-range", s.ReplayByTimeRange)
	r.GET("/replay/runs/:replay_id", s.GetReplayRun)
	r.POST("/replay/runs/:replay_id/cancel", s.CancelReplayRun)
	r.DELETE("/replay/runs/:replay_id", s.ClearReplayRun)

	r.GET("/compensation/sagas/:saga_id", s.GetCompensationActions)
	r.GET("/compensation/actions/:action_id", s.GetCompensationAction)
	r.POST("/compensation/actions/:action_id/skip", s.SkipCompensationAction)
	r.POST("/compensation/actions/:action_id/cancel", s.CancelCompensationAction)

	r.GET("/statistics/sales", s.GetSaleStatistics)
	r.GET("/statistics/choreography", s.GetChoreographyStatistics)
	r.GET("/statistics/compensation", s.GetCompensationStatistics)

	r.GET("/admin/log-level", s.GetLogLevel)
	r.PUT("/admin/log-level", s.SetLogLevel)
}
