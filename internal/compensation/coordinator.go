package compensation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/collaborator"
	"salecoord.io/salecoord/internal/config"
	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/metrics"
	apperrors "salecoord.io/salecoord/internal/pkg/errors"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// Endpoint is one undo call definition.
type Endpoint struct {
	ServiceName string
	Path        string
}

// Registry maps a forward step name to its undo endpoint. Injected at
// construction so deployments can swap it.
type Registry map[string]Endpoint

// RegistryFromEndpoints converts the configured endpoint list.
func RegistryFromEndpoints(endpoints []config.CompensationEndpoint) Registry {
	registry := make(Registry, len(endpoints))
	for _, ep := range endpoints {
		registry[ep.StepName] = Endpoint{ServiceName: ep.ServiceName, Path: ep.Endpoint}
	}
	return registry
}

// Executor performs one undo call.
type Executor interface {
	Execute(ctx context.Context, action *domain.CompensationAction) error
}

// BaseURLResolver maps a logical service name to its base URL. Satisfied
// by config.CollaboratorsConfig.BaseURL.
type BaseURLResolver func(serviceName string) (string, bool)

// HTTPExecutor posts the action payload to the compensation endpoint with
// the correlation and saga ids as trace headers.
type HTTPExecutor struct {
	resolve BaseURLResolver
	client  *http.Client
}

// NewHTTPExecutor creates an executor with the given call timeout.
func NewHTTPExecutor(resolve BaseURLResolver, callTimeout time.Duration) *HTTPExecutor {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &HTTPExecutor{resolve: resolve, client: &http.Client{Timeout: callTimeout}}
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, action *domain.CompensationAction) error {
	baseURL, ok := e.resolve(action.ServiceName)
	if !ok {
		return apperrors.New(apperrors.CodeCompensationFailed,
			fmt.Sprintf("no base url configured for service %q", action.ServiceName),
			http.StatusInternalServerError)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+action.CompensationEndpoint, bytes.NewReader(action.Payload))
	if err != nil {
		return fmt.Errorf("build compensation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(collaborator.HeaderCorrelationID, action.CorrelationID)
	req.Header.Set(collaborator.HeaderSagaID, action.SagaID)

	resp, err := e.client.Do(req)
	if err != nil {
		return apperrors.ErrCollaboratorUnavailf(action.ServiceName, err)
	}
	defer resp.Body.Close()

	// Not-found counts as already compensated, the idempotent undo
	// contract shared with the forward clients.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.New(apperrors.CodeCompensationFailed,
			fmt.Sprintf("%s returned status %d", action.ServiceName, resp.StatusCode),
			http.StatusBadGateway)
	}
	return nil
}

// CoordinatorConfig bounds retries and backoff.
type CoordinatorConfig struct {
	// MaxRetries is the retry limit per action before terminal FAILED.
	MaxRetries int
	// RetryDelay is the backoff base: the n-th retry waits RetryDelay × n.
	RetryDelay time.Duration
	// BatchSize bounds how many ready actions one processing tick claims.
	BatchSize int
	// ClaimStaleAfter is how long a claimed action may sit IN_PROGRESS
	// before a sweep treats the claim as orphaned and takes it over.
	ClaimStaleAfter time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.BatchSize < 1 {
		c.BatchSize = 50
	}
	if c.ClaimStaleAfter <= 0 {
		c.ClaimStaleAfter = 5 * time.Minute
	}
	return c
}

// Coordinator builds and executes compensation plans.
type Coordinator struct {
	actions  ActionStore
	executor Executor
	registry Registry
	cfg      CoordinatorConfig

	// onSagaCompensated fires once every action of a saga has completed
	// or been skipped. Optional.
	onSagaCompensated func(ctx context.Context, sagaID string)
}

// NewCoordinator wires the compensation coordinator.
func NewCoordinator(actions ActionStore, executor Executor, registry Registry, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		actions:  actions,
		executor: executor,
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
}

// OnSagaCompensated registers a callback fired when a saga's plan fully
// completes. Used to close the choreographed COMPENSATING window.
func (c *Coordinator) OnSagaCompensated(fn func(ctx context.Context, sagaID string)) {
	c.onSagaCompensated = fn
}

// compensationPayload is the body posted to undo endpoints.
type compensationPayload struct {
	SagaID        string `json:"saga_id"`
	CorrelationID string `json:"correlation_id"`
	StepName      string `json:"step_name"`
	FailedStep    string `json:"failed_step"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// CompensateSaga builds the undo plan for the completed steps and
// persists it. Steps are undone most-recent-first: the reversed list gets
// ascending priorities. Steps without a registry entry are skipped with a
// warning.
func (c *Coordinator) CompensateSaga(ctx context.Context, sagaID, correlationID, failedStep, errorMessage string, completedSteps []string) ([]*domain.CompensationAction, error) {
	if sagaID == "" {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "saga_id is required")
	}

	var plan []*domain.CompensationAction
	priority := 1
	for i := len(completedSteps) - 1; i >= 0; i-- {
		step := completedSteps[i]
		endpoint, ok := c.registry[step]
		if !ok {
			logger.Warn("No compensation registered for step, skipping",
				zap.String("saga_id", sagaID),
				zap.String("step", step),
			)
			continue
		}

		payload, err := json.Marshal(compensationPayload{
			SagaID:        sagaID,
			CorrelationID: correlationID,
			StepName:      step,
			FailedStep:    failedStep,
			ErrorMessage:  errorMessage,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal compensation payload: %w", err)
		}

		action, err := domain.NewCompensationAction(domain.CompensationParams{
			SagaID:               sagaID,
			CorrelationID:        correlationID,
			StepName:             step,
			ServiceName:          endpoint.ServiceName,
			CompensationEndpoint: endpoint.Path,
			Payload:              payload,
			Priority:             priority,
		})
		if err != nil {
			return nil, err
		}
		plan = append(plan, action)
		priority++
	}

	if len(plan) == 0 {
		return nil, nil
	}
	if err := c.actions.CreateBatch(ctx, plan); err != nil {
		return nil, err
	}
	logger.Info("Compensation plan queued",
		zap.String("saga_id", sagaID),
		zap.String("failed_step", failedStep),
		zap.Int("actions", len(plan)),
	)
	return plan, nil
}

// ProcessReady executes one batch of due actions in priority order.
// Returns how many actions ran.
func (c *Coordinator) ProcessReady(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	claimed, err := c.actions.ClaimReady(ctx, now, now.Add(-c.cfg.ClaimStaleAfter), c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, action := range claimed {
		c.execute(ctx, action)
	}
	return len(claimed), nil
}

func (c *Coordinator) execute(ctx context.Context, action *domain.CompensationAction) {
	err := c.executor.Execute(ctx, action)
	if err == nil {
		action.Status = domain.CompensationCompleted
		action.ErrorMessage = ""
		if uerr := c.actions.Update(ctx, action); uerr != nil {
			logger.Error("Failed to record compensation success",
				zap.String("action_id", action.ActionID), zap.Error(uerr))
			return
		}
		metrics.CompensationExecutions.WithLabelValues("ok").Inc()
		logger.Info("Compensation action completed",
			zap.String("action_id", action.ActionID),
			zap.String("saga_id", action.SagaID),
			zap.String("step", action.StepName),
		)
		c.checkSagaCompensated(ctx, action.SagaID)
		return
	}

	action.RetryCount++
	action.ErrorMessage = err.Error()
	if action.RetryCount >= c.cfg.MaxRetries {
		// Terminal failure: reported, never silently dropped, never
		// escalated to a different action.
		action.Status = domain.CompensationFailed
		metrics.CompensationExecutions.WithLabelValues("failed").Inc()
		logger.Error("Compensation action failed permanently, needs operator attention",
			zap.String("action_id", action.ActionID),
			zap.String("saga_id", action.SagaID),
			zap.String("step", action.StepName),
			zap.Int("retry_count", action.RetryCount),
			zap.Error(err),
		)
	} else {
		action.Status = domain.CompensationPending
		action.ExecuteAfter = time.Now().UTC().Add(c.cfg.RetryDelay * time.Duration(action.RetryCount))
		metrics.CompensationRetries.Inc()
		logger.Warn("Compensation action failed, re-queued with backoff",
			zap.String("action_id", action.ActionID),
			zap.String("step", action.StepName),
			zap.Int("retry_count", action.RetryCount),
			zap.Time("execute_after", action.ExecuteAfter),
			zap.Error(err),
		)
	}
	if uerr := c.actions.Update(ctx, action); uerr != nil {
		logger.Error("Failed to record compensation outcome",
			zap.String("action_id", action.ActionID), zap.Error(uerr))
	}
}

func (c *Coordinator) checkSagaCompensated(ctx context.Context, sagaID string) {
	if c.onSagaCompensated == nil {
		return
	}
	actions, err := c.actions.GetBySaga(ctx, sagaID)
	if err != nil {
		logger.Warn("Failed to check saga compensation progress",
			zap.String("saga_id", sagaID), zap.Error(err))
		return
	}
	for _, action := range actions {
		if !action.Status.IsTerminal() {
			return
		}
	}
	c.onSagaCompensated(ctx, sagaID)
}

// GetActions returns the saga's plan in priority order.
func (c *Coordinator) GetActions(ctx context.Context, sagaID string) ([]*domain.CompensationAction, error) {
	return c.actions.GetBySaga(ctx, sagaID)
}

// GetAction returns one action by id.
func (c *Coordinator) GetAction(ctx context.Context, actionID string) (*domain.CompensationAction, error) {
	return c.actions.Get(ctx, actionID)
}

// SkipAction marks a pending or failed action SKIPPED, an operator
// override for undo calls that no longer apply.
func (c *Coordinator) SkipAction(ctx context.Context, actionID string) (*domain.CompensationAction, error) {
	return c.resolveManually(ctx, actionID, domain.CompensationSkipped)
}

// CancelAction marks a pending or failed action CANCELLED.
func (c *Coordinator) CancelAction(ctx context.Context, actionID string) (*domain.CompensationAction, error) {
	return c.resolveManually(ctx, actionID, domain.CompensationCancelled)
}

func (c *Coordinator) resolveManually(ctx context.Context, actionID string, status domain.CompensationStatus) (*domain.CompensationAction, error) {
	action, err := c.actions.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status != domain.CompensationPending && action.Status != domain.CompensationFailed {
		return nil, apperrors.Conflict(apperrors.CodeCompensationFailed,
			fmt.Sprintf("action in status %s cannot be resolved manually", action.Status))
	}
	action.Status = status
	if err := c.actions.Update(ctx, action); err != nil {
		return nil, err
	}
	c.checkSagaCompensated(ctx, action.SagaID)
	return action, nil
}

// Statistics returns action counts grouped by status.
func (c *Coordinator) Statistics(ctx context.Context) (map[domain.CompensationStatus]int64, error) {
	return c.actions.CountByStatus(ctx)
}

// CleanupTerminal removes completed, skipped and cancelled actions past
// the retention window.
func (c *Coordinator) CleanupTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	return c.actions.DeleteTerminalBefore(ctx, cutoff)
}
