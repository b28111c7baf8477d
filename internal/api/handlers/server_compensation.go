package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"salecoord.io/salecoord/internal/domain"
)

// GetCompensationActions handles GET /compensation/sagas/:saga_id.
func (s *Server) GetCompensationActions(c *gin.Context) {
	actions, err := s.compensator.GetActions(c.Request.Context(), c.Param("saga_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if actions == nil {
		actions = []*domain.CompensationAction{}
	}
	c.JSON(http.StatusOK, gin.H{"saga_id": c.Param("saga_id"), "actions": actions})
}

// GetCompensationAction handles GET /compensation/actions/:action_id.
func (s *Server) GetCompensationAction(c *gin.Context) {
	action, err := s.compensator.GetAction(c.Request.Context(), c.Param("action_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, action)
}

// SkipCompensationAction handles POST /compensation/actions/:action_id/skip.
// Operator override for undo calls that no longer apply.
func (s *Server) SkipCompensationAction(c *gin.Context) {
	action, err := s.compensator.SkipAction(c.Request.Context(), c.Param("action_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, action)
}

// CancelCompensationAction handles POST /compensation/actions/:action_id/cancel.
func (s *Server) CancelCompensationAction(c *gin.Context) {
	action, err := s.compensator.CancelAction(c.Request.Context(), c.Param("action_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, action)
}

// GetCompensationStatistics handles GET /statistics/compensation.
func (s *Server) GetCompensationStatistics(c *gin.Context) {
	stats, err := s.compensator.Statistics(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_status": stats})
}
