package replay

import (
	"context"

	"go.uber.org/zap"

	"salecoord.io/salecoord/internal/domain"
	"salecoord.io/salecoord/internal/pkg/logger"
)

// DispatchHandler replays events back through the event dispatcher so
// registered subscribers reprocess them. Handler failures are logged and
// skipped; a replay should cover as much of the log as it can.
type DispatchHandler struct {
	dispatcher *domain.EventDispatcher
}

// NewDispatchHandler wraps a dispatcher as a replay handler.
func NewDispatchHandler(dispatcher *domain.EventDispatcher) *DispatchHandler {
	return &DispatchHandler{dispatcher: dispatcher}
}

// OnReplayStart implements Handler.
func (h *DispatchHandler) OnReplayStart(context.Context) {}

// Handle implements Handler.
func (h *DispatchHandler) Handle(ctx context.Context, event *domain.Event) error {
	return h.dispatcher.Dispatch(ctx, event)
}

// OnReplayError implements Handler. Dispatch failures do not abort the
// replay.
func (h *DispatchHandler) OnReplayError(_ context.Context, event *domain.Event, err error) bool {
	logger.Warn("Replay dispatch failed, continuing",
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.EventType)),
		zap.Error(err),
	)
	return true
}

// OnReplayComplete implements Handler.
func (h *DispatchHandler) OnReplayComplete(_ context.Context, count int) {
	logger.Info("Replay dispatch completed", zap.Int("events", count))
}
