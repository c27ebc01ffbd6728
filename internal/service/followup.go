package service

import (
	"context"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Follow-up defaults
const (
	DefaultFollowUpDelay       = 30 * time.Second
	DefaultFollowUpMaxAttempts = 5

	publishAttempts = 3
	publishDelay    = 200 * time.Millisecond
)

// FollowUpScheduler hands events whose retries ran out to the follow-up
// queue, so the outcome is not lost when the synchronous caller gives up.
type FollowUpScheduler struct {
	publisher   EventPublisher
	clock       quartz.Clock
	delay       time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// NewFollowUpScheduler creates a new follow-up scheduler
func NewFollowUpScheduler(publisher EventPublisher, clock quartz.Clock, delay time.Duration, maxAttempts int, logger *zap.Logger) *FollowUpScheduler {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if delay <= 0 {
		delay = DefaultFollowUpDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultFollowUpMaxAttempts
	}
	return &FollowUpScheduler{
		publisher:   publisher,
		clock:       clock,
		delay:       delay,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// MaxAttempts is the number of follow-up attempts before giving up
func (s *FollowUpScheduler) MaxAttempts() int {
	return s.maxAttempts
}

// Schedule enqueues follow-up attempt number attempt (from 1). It reports
// false without publishing once attempt is past the budget.
func (s *FollowUpScheduler) Schedule(ctx context.Context, event *models.PaymentOutcomeEvent, attempt int, reason string) (bool, error) {
	if attempt > s.maxAttempts {
		util.FollowUpsTotal.WithLabelValues("abandoned").Inc()
		s.logger.Error("Giving up on payment event, manual sync required",
			append(util.EventFields(event), zap.Int("attempts", attempt-1), zap.String("reason", reason))...)
		return false, nil
	}

	now := s.clock.Now().UTC()
	retry := &models.ReconcileRetryEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeReconcileRetry,
			Timestamp: now,
		},
		Event:     *event,
		Attempt:   attempt,
		NotBefore: now.Add(s.delay),
		Reason:    reason,
	}
	if err := s.publish(ctx, retry); err != nil {
		util.FollowUpsTotal.WithLabelValues("publish_failed").Inc()
		return false, err
	}

	util.FollowUpsTotal.WithLabelValues("scheduled").Inc()
	s.logger.Info("Scheduled follow-up reconciliation",
		append(util.EventFields(event), zap.Int("attempt", attempt), zap.Time("not_before", retry.NotBefore))...)
	return true, nil
}

// publish hands retry to the queue, trying publishAttempts times.
func (s *FollowUpScheduler) publish(ctx context.Context, retry *models.ReconcileRetryEvent) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = publishDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, publishAttempts-1), ctx)

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Failed to publish follow-up, retrying",
			append(util.EventFields(&retry.Event), zap.Duration("wait", wait), zap.Error(err))...)
	}
	return backoff.RetryNotifyWithTimer(func() error {
		return s.publisher.PublishReconcileRetry(ctx, retry)
	}, b, notify, &clockTimer{clock: s.clock, tag: "publish"})
}
