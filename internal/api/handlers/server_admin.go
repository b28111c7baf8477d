package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// GetLogLevel handles GET /admin/log-level.
func (s *Server) GetLogLevel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"level": logger.GetLevel().String()})
}

type setLogLevelRequest struct {
	Level string `json:"level"`
}

// SetLogLevel handles PUT /admin/log-level. Changes the log level at
// runtime without a restart.
func (s *Server) SetLogLevel(c *gin.Context) {
	var req setLogLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	if err := logger.SetLevel(req.Level); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "unknown log level"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"level": logger.GetLevel().String()})
}
