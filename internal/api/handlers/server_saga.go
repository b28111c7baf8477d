package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"salecoord.io/salecoord/internal/orchestrator"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

// StartSale handles POST /sales. The saga runs to a terminal state before
// the response; a business failure is a normal response with the execution
// in SALE_FAILED, not an HTTP error.
func (s *Server) StartSale(c *gin.Context) {
	var req orchestrator.StartSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}

	exec, err := s.engine.StartSale(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// StartSaleAsync handles POST /sales/async. The response carries the
// SALE_INITIATED execution; progress is polled via GET /sales/:saga_id.
func (s *Server) StartSaleAsync(c *gin.Context) {
	var req orchestrator.StartSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}

	exec, err := s.engine.StartSaleAsync(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// GetSale handles GET /sales/:saga_id.
func (s *Server) GetSale(c *gin.Context) {
	exec, err := s.engine.GetSaga(c.Request.Context(), c.Param("saga_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// GetSaleAuditTrail handles GET /sales/:saga_id/events. The audit trail is
// the saga's slice of the event log.
func (s *Server) GetSaleAuditTrail(c *gin.Context) {
	sagaID := c.Param("saga_id")

	// Confirm the saga exists before querying its log, so an unknown id is
	// a 404 rather than an empty trail.
	if _, err := s.engine.GetSaga(c.Request.Context(), sagaID); err != nil {
		_ = c.Error(err)
		return
	}

	events, err := s.events.GetEvents(c.Request.Context(), sagaID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saga_id": sagaID, "events": events})
}

// GetSaleStatistics handles GET /statistics/sales.
func (s *Server) GetSaleStatistics(c *gin.Context) {
	stats, err := s.engine.Statistics(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_state": stats})
}
