package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

const maxEventPageSize = 500

// ListEvents handles GET /events. Pages through the whole log with limit
// and offset query parameters; total supports page math on the client.
func (s *Server) ListEvents(c *gin.Context) {
	ctx := c.Request.Context()

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}

	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "offset must be a non-negative integer"))
			return
		}
		offset = parsed
	}

	total, err := s.events.GetTotalEventCount(ctx)
	if err != nil {
		_ = c.Error(err)
		return
	}
	events, err := s.events.ListEvents(ctx, limit, offset)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"limit":  limit,
		"offset": offset,
		"total":  total,
	})
}

// GetAggregateEvents handles GET /events/aggregates/:aggregate_id.
// Optional from_version and to_version query parameters bound the window.
func (s *Server) GetAggregateEvents(c *gin.Context) {
	ctx := c.Request.Context()
	aggregateID := c.Param("aggregate_id")

	exists, err := s.events.AggregateExists(ctx, aggregateID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !exists {
		_ = c.Error(apperrors.NotFound(apperrors.CodeResourceNotFound, "aggregate has no events"))
		return
	}

	var events []*domain.Event
	switch {
	case c.Query("from_version") != "":
		from, perr := strconv.ParseInt(c.Query("from_version"), 10, 64)
		if perr != nil {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "from_version must be an integer"))
			return
		}
		events, err = s.events.GetEventsFromVersion(ctx, aggregateID, from)
	case c.Query("to_version") != "":
		to, perr := strconv.ParseInt(c.Query("to_version"), 10, 64)
		if perr != nil {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "to_version must be an integer"))
			return
		}
		events, err = s.events.GetEventsUpToVersion(ctx, aggregateID, to)
	default:
		events, err = s.events.GetEvents(ctx, aggregateID)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregate_id": aggregateID, "events": events})
}

// GetEventsByCorrelation handles GET /events/by-correlation/:correlation_id.
func (s *Server) GetEventsByCorrelation(c *gin.Context) {
	correlationID := c.Param("correlation_id")
	events, err := s.events.GetEventsByCorrelationID(c.Request.Context(), correlationID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"correlation_id": correlationID, "events": events})
}

// GetAggregateState handles GET /events/aggregates/:aggregate_id/state.
// Optional at_time (RFC 3339) or at_version reconstructs a historical view.
func (s *Server) GetAggregateState(c *gin.Context) {
	ctx := c.Request.Context()
	aggregateID := c.Param("aggregate_id")

	switch {
	case c.Query("at_time") != "":
		at, err := time.Parse(time.RFC3339, c.Query("at_time"))
		if err != nil {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "at_time must be RFC 3339"))
			return
		}
		state, err := s.reconstructor.ReconstructStateAtTime(ctx, aggregateID, at)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, state)
	case c.Query("at_version") != "":
		version, err := strconv.ParseInt(c.Query("at_version"), 10, 64)
		if err != nil {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "at_version must be an integer"))
			return
		}
		state, err := s.reconstructor.ReconstructStateAtVersion(ctx, aggregateID, version)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, state)
	default:
		state, err := s.reconstructor.ReconstructCurrentState(ctx, aggregateID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

// GetCacheStatistics handles GET /events/cache/statistics.
func (s *Server) GetCacheStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.reconstructor.GetCacheStatistics())
}

// InvalidateCache handles DELETE /events/cache.
func (s *Server) InvalidateCache(c *gin.Context) {
	if aggregateID := c.Query("aggregate_id"); aggregateID != "" {
		s.reconstructor.Invalidate(aggregateID)
	} else {
		s.reconstructor.ClearCache()
	}
	c.Status(http.StatusNoContent)
}
