package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// ReplayAggregate handles POST /replay/aggregates/:aggregate_id.
// Events run synchronously through the event dispatcher; from_version and
// to_version bound the window.
func (s *Server) ReplayAggregate(c *gin.Context) {
	ctx := c.Request.Context()
	aggregateID := c.Param("aggregate_id")

	var (
		processed int
		err       error
	)
	switch {
	case c.Query("from_version") != "":
		from, perr := strconv.ParseInt(c.Query("from_version"), 10, 64)
		if perr != nil {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "from_version must be an integer"))
			return
		}
		processed, err = s.replayer.ReplayAggregateFromVersion(ctx, aggregateID, from, s.replayHandler)
	case c.Query("to_version") != "":
		to, perr := strconv.ParseInt(c.Query("to_version"), 10, 64)
		if perr != nil {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "to_version must be an integer"))
			return
		}
		processed, err = s.replayer.ReplayAggregateUpToVersion(ctx, aggregateID, to, s.replayHandler)
	default:
		processed, err = s.replayer.ReplayAggregate(ctx, aggregateID, s.replayHandler)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregate_id": aggregateID, "processed": processed})
}

// ReplayAggregateAsync handles POST /replay/aggregates/:aggregate_id/async.
// Returns a replay id to poll via GET /replay/runs/:replay_id.
func (s *Server) ReplayAggregateAsync(c *gin.Context) {
	replayID, err := s.replayer.ReplayAggregateAsync(c.Request.Context(), c.Param("aggregate_id"), s.replayHandler)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"replay_id": replayID})
}

// ReplayByType handles POST /replay/by-type/:event_type.
func (s *Server) ReplayByType(c *gin.Context) {
	processed, err := s.replayer.ReplayEventsByType(c.Request.Context(),
		domain.EventType(c.Param("event_type")), s.replayHandler)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

type replayTimeRangeRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ReplayByTimeRange handles POST /replay/time-range.
func (s *Server) ReplayByTimeRange(c *gin.Context) {
	var req replayTimeRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	if !req.From.Before(req.To) {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "from must precede to"))
		return
	}

	processed, err := s.replayer.ReplayEventsByTimeRange(c.Request.Context(), req.From, req.To, s.replayHandler)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

// GetReplayRun handles GET /replay/runs/:replay_id.
func (s *Server) GetReplayRun(c *gin.Context) {
	handle, err := s.replayer.GetReplayStatus(c.Param("replay_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

// CancelReplayRun handles POST /replay/runs/:replay_id/cancel.
func (s *Server) CancelReplayRun(c *gin.Context) {
	if err := s.replayer.CancelReplay(c.Param("replay_id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

// ClearReplayRun handles DELETE /replay/runs/:replay_id.
func (s *Server) ClearReplayRun(c *gin.Context) {
	if err := s.replayer.ClearReplayStatus(c.Param("replay_id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
