package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DeliveryStore is the durable record of handled webhook deliveries.
type DeliveryStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// DeliveryCache is a fast, lossy front for DeliveryStore.
type DeliveryCache interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// DeliveryTracker dedupes webhook redeliveries by event id. The cache is
// optional and its failures never fail a delivery.
type DeliveryTracker struct {
	store  DeliveryStore
	cache  DeliveryCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeliveryTracker creates a tracker. cache may be nil.
func NewDeliveryTracker(store DeliveryStore, cache DeliveryCache, ttl time.Duration, logger *zap.Logger) *DeliveryTracker {
	return &DeliveryTracker{store: store, cache: cache, ttl: ttl, logger: logger}
}

// IsProcessed reports whether the delivery was already handled.
func (t *DeliveryTracker) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if t.cache != nil {
		hit, err := t.cache.CheckIdempotencyKey(ctx, eventID)
		if err != nil {
			t.logger.Warn("Delivery cache lookup failed", zap.String("event_id", eventID), zap.Error(err))
		} else if hit {
			return true, nil
		}
	}

	processed, err := t.store.IsEventProcessed(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	if processed {
		t.remember(ctx, eventID)
	}
	return processed, nil
}

// MarkProcessed records a handled delivery. Call it only after the delivery
// took effect, so a failed first attempt is not suppressed on redelivery.
func (t *DeliveryTracker) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	if err := t.store.MarkEventProcessed(ctx, eventID, eventType); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	t.remember(ctx, eventID)
	return nil
}

func (t *DeliveryTracker) remember(ctx context.Context, eventID string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.SetIdempotencyKey(ctx, eventID, "1", t.ttl); err != nil {
		t.logger.Warn("Delivery cache write failed", zap.String("event_id", eventID), zap.Error(err))
	}
}
