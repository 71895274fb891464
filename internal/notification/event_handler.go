package notification

import (
	"context"
	"log/slog"

	"github.com/frahmantamala/overtime-management/internal/core/events"
)

// Notifier delivers a message about a request to interested parties. The
// default implementation only logs; a mail or chat integration plugs in here.
type Notifier interface {
	Notify(ctx context.Context, subject string, fields map[string]interface{}) error
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, subject string, fields map[string]interface{}) error {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	n.logger.Info(subject, args...)
	return nil
}

// EventHandler turns lifecycle events into notifications. Handlers run off
// the request path; a failed notification never affects the decision that
// triggered it.
type EventHandler struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewEventHandler(notifier Notifier, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		notifier: notifier,
		logger:   logger,
	}
}

func (h *EventHandler) HandleRequestFinalized(ctx context.Context, event events.Event) error {
	fields, _ := event.Payload().(map[string]interface{})
	return h.notifier.Notify(ctx, "overtime request finalized", fields)
}

func (h *EventHandler) HandleRequestExpired(ctx context.Context, event events.Event) error {
	fields, _ := event.Payload().(map[string]interface{})
	return h.notifier.Notify(ctx, "overtime request expired", fields)
}

func (h *EventHandler) HandleStepEscalated(ctx context.Context, event events.Event) error {
	fields, _ := event.Payload().(map[string]interface{})
	return h.notifier.Notify(ctx, "approval step escalated", fields)
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventRequestFinalized, h.HandleRequestFinalized)
	eventBus.Subscribe(events.EventRequestExpired, h.HandleRequestExpired)
	eventBus.Subscribe(events.EventStepEscalated, h.HandleStepEscalated)

	h.logger.Info("notification event handlers registered",
		"handlers", []string{events.EventRequestFinalized, events.EventRequestExpired, events.EventStepEscalated})
}
