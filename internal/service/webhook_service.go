package service

import (
	"context"
	"errors"
	"fmt"

	"enrollment-service/internal/gateway"
	"enrollment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookResult is the acknowledgement body for a delivery.
type WebhookResult struct {
	Received  bool             `json:"received"`
	EventID   string           `json:"event_id"`
	Processed bool             `json:"processed"`
	Duplicate bool             `json:"duplicate,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Result    *ReconcileResult `json:"result,omitempty"`
}

// WebhookService handles the push channel.
type WebhookService struct {
	secret  string
	tracker *DeliveryTracker
	driver  *RetryDriver
	logger  *zap.Logger
}

// NewWebhookService creates a new webhook service. An empty secret disables
// signature checks.
func NewWebhookService(secret string, tracker *DeliveryTracker, driver *RetryDriver, logger *zap.Logger) *WebhookService {
	return &WebhookService{
		secret:  secret,
		tracker: tracker,
		driver:  driver,
		logger:  logger,
	}
}

// HandleDelivery verifies, dedupes and reconciles one webhook delivery. A
// returned error means the provider should redeliver.
func (s *WebhookService) HandleDelivery(ctx context.Context, body []byte, signature string) (result *WebhookResult, err error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.HandleDelivery")
	defer func() { util.EndSpan(span, err) }()

	if s.secret != "" && !gateway.VerifySignature(s.secret, body, signature) {
		util.WebhookDeliveriesTotal.WithLabelValues("invalid_signature").Inc()
		return nil, ErrInvalidSignature
	}

	delivery, err := gateway.ParseWebhookEvent(body)
	if err != nil {
		util.WebhookDeliveriesTotal.WithLabelValues("invalid_payload").Inc()
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event_id", delivery.ID),
		attribute.String("event_type", delivery.Type))

	result = &WebhookResult{Received: true, EventID: delivery.ID}

	processed, err := s.tracker.IsProcessed(ctx, delivery.ID)
	if err != nil {
		util.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if processed {
		util.WebhookDeliveriesTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("Duplicate webhook delivery", zap.String("event_id", delivery.ID))
		result.Processed = true
		result.Duplicate = true
		return result, nil
	}

	event, ok := delivery.PaymentEvent()
	if !ok {
		util.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
		s.logger.Debug("Ignoring webhook event type",
			zap.String("event_id", delivery.ID), zap.String("event_type", delivery.Type))
		result.Reason = "ignored event type " + delivery.Type
		return result, nil
	}

	reconciled, err := s.driver.WithRetry(ctx, event)
	if err != nil {
		switch KindOf(err) {
		case KindMalformed, KindNotFound:
			// Redelivering the same payload cannot succeed.
			util.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
			s.logger.Warn("Rejected webhook delivery",
				append(util.EventFields(event), zap.String("event_id", delivery.ID), zap.Error(err))...)
			result.Reason = err.Error()
			return result, nil
		}
		util.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("delivery %s: %w", delivery.ID, err)
	}

	if err := s.tracker.MarkProcessed(ctx, delivery.ID, delivery.Type); err != nil {
		// The ledger already reflects the event; a redelivery is a no-op.
		s.logger.Error("Failed to mark webhook delivery processed",
			zap.String("event_id", delivery.ID), zap.Error(err))
	}

	util.WebhookDeliveriesTotal.WithLabelValues("processed").Inc()
	result.Processed = true
	result.Result = reconciled
	return result, nil
}
