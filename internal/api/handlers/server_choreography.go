package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"salecoord.io/salecoord/internal/domain"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
)

type startChoreographedRequest struct {
	SagaType      string            `json:"saga_type"`
	CorrelationID string            `json:"correlation_id"`
	SagaData      map[string]string `json:"saga_data"`
}

// StartChoreographedSaga handles POST /choreography/sagas.
func (s *Server) StartChoreographedSaga(c *gin.Context) {
	var req startChoreographedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}

	state, err := s.choreographer.StartSaga(c.Request.Context(),
		domain.SagaType(req.SagaType), req.CorrelationID, req.SagaData)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

type recordStepRequest struct {
	StepName     string            `json:"step_name"`
	Outcome      string            `json:"outcome"`
	ErrorMessage string            `json:"error_message"`
	Data         map[string]string `json:"data"`
}

// RecordChoreographyStep handles POST /choreography/sagas/:correlation_id/steps.
// Outcome is one of completed, failed or retrying.
func (s *Server) RecordChoreographyStep(c *gin.Context) {
	correlationID := c.Param("correlation_id")

	var req recordStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid request body"))
		return
	}
	if req.StepName == "" {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "step_name is required"))
		return
	}

	var (
		state *domain.ChoreographedSagaState
		err   error
	)
	switch req.Outcome {
	case "completed":
		state, err = s.choreographer.RecordStepCompleted(c.Request.Context(), correlationID, req.StepName, req.Data)
	case "failed":
		state, err = s.choreographer.RecordStepFailed(c.Request.Context(), correlationID, req.StepName, req.ErrorMessage)
	case "retrying":
		state, err = s.choreographer.RecordStepRetrying(c.Request.Context(), correlationID, req.StepName, req.ErrorMessage)
	default:
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField,
			"outcome must be completed, failed or retrying"))
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GetChoreographedSaga handles GET /choreography/sagas/:correlation_id.
func (s *Server) GetChoreographedSaga(c *gin.Context) {
	state, err := s.choreographer.GetSagaByCorrelation(c.Request.Context(), c.Param("correlation_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ListActiveChoreographedSagas handles GET /choreography/sagas.
func (s *Server) ListActiveChoreographedSagas(c *gin.Context) {
	states, err := s.choreographer.ListActive(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if states == nil {
		states = []*domain.ChoreographedSagaState{}
	}
	c.JSON(http.StatusOK, gin.H{"items": states, "count": len(states)})
}

// GetChoreographyStatistics handles GET /statistics/choreography.
func (s *Server) GetChoreographyStatistics(c *gin.Context) {
	stats, err := s.choreographer.Statistics(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_status": stats})
}
