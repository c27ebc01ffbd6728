package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"enrollment-service/internal/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	enrollments *Producer
	retries     *Producer
}

// NewEventPublisher creates a new event publisher. enrollments carries
// ENROLLMENT_GRANTED, retries carries RECONCILE_RETRY.
func NewEventPublisher(enrollments, retries *Producer) *EventPublisher {
	return &EventPublisher{enrollments: enrollments, retries: retries}
}

// PublishEnrollmentGranted publishes EnrollmentGranted event
func (ep *EventPublisher) PublishEnrollmentGranted(ctx context.Context, event *models.EnrollmentGrantedEvent) error {
	key := fmt.Sprintf("enrollment-%s-%s", event.PayerID, event.CourseID)
	return ep.enrollments.PublishEvent(ctx, key, event)
}

// PublishReconcileRetry publishes ReconcileRetry event
func (ep *EventPublisher) PublishReconcileRetry(ctx context.Context, event *models.ReconcileRetryEvent) error {
	key := "purchase-" + event.Event.PurchaseReference
	return ep.retries.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onReconcileRetry func(context.Context, *models.ReconcileRetryEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler(logger *zap.Logger) *EventHandler {
	return &EventHandler{logger: logger}
}

// OnReconcileRetry registers a handler for ReconcileRetry events
func (eh *EventHandler) OnReconcileRetry(handler func(context.Context, *models.ReconcileRetryEvent) error) {
	eh.onReconcileRetry = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeReconcileRetry:
		if eh.onReconcileRetry != nil {
			var event models.ReconcileRetryEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ReconcileRetry event: %w", err)
			}
			return eh.onReconcileRetry(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
