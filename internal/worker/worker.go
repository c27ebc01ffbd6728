package worker

import (
	"context"

	"enrollment-service/internal/broker"
	"enrollment-service/internal/models"
	"enrollment-service/internal/service"
	"enrollment-service/internal/util"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

// Retrier is the reconciliation entry point the worker drives.
type Retrier interface {
	WithRetry(ctx context.Context, event *models.PaymentOutcomeEvent) (*service.ReconcileResult, error)
}

// RetryWorker consumes RECONCILE_RETRY events and reconciles them once their
// NotBefore time has passed.
type RetryWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	driver       Retrier
	followUps    *service.FollowUpScheduler
	clock        quartz.Clock
	logger       *zap.Logger
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(
	consumer *broker.Consumer,
	driver Retrier,
	followUps *service.FollowUpScheduler,
	clock quartz.Clock,
	logger *zap.Logger,
) *RetryWorker {
	w := &RetryWorker{
		consumer:  consumer,
		driver:    driver,
		followUps: followUps,
		clock:     clock,
		logger:    logger,
	}

	w.eventHandler = broker.NewEventHandler(logger)
	w.eventHandler.OnReconcileRetry(w.HandleReconcileRetry)
	return w
}

// Start starts the worker
func (w *RetryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile retry worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *RetryWorker) Stop() error {
	w.logger.Info("Stopping reconcile retry worker")
	return w.consumer.Close()
}

// HandleReconcileRetry reconciles one follow-up. Another exhaustion schedules
// the next attempt instead of failing the message.
func (w *RetryWorker) HandleReconcileRetry(ctx context.Context, retry *models.ReconcileRetryEvent) error {
	if d := retry.NotBefore.Sub(w.clock.Now()); d > 0 {
		timer := w.clock.NewTimer(d, "followup")
		select {
		case <-ctx.Done():
			timer.Stop("followup")
			return ctx.Err()
		case <-timer.C:
		}
	}

	event := retry.Event
	event.Source = models.SourceFollowUp
	fields := append(util.EventFields(&event), zap.Int("attempt", retry.Attempt))

	result, err := w.driver.WithRetry(ctx, &event)
	if err == nil {
		util.FollowUpsTotal.WithLabelValues("applied").Inc()
		w.logger.Info("Follow-up reconciliation succeeded",
			append(fields, zap.Bool("was_already_applied", result.WasAlreadyApplied))...)
		return nil
	}

	switch service.KindOf(err) {
	case service.KindMalformed, service.KindNotFound:
		util.FollowUpsTotal.WithLabelValues("rejected").Inc()
		w.logger.Error("Follow-up reconciliation rejected", append(fields, zap.Error(err))...)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.logger.Warn("Follow-up reconciliation failed", append(fields, zap.Error(err))...)
	if _, serr := w.followUps.Schedule(ctx, &retry.Event, retry.Attempt+1, err.Error()); serr != nil {
		// The consumer moves past this message, so nothing will pick it up again.
		util.FollowUpsTotal.WithLabelValues("lost").Inc()
		w.logger.Error("Follow-up lost, manual sync required",
			append(fields, zap.Error(err), zap.NamedError("publish_error", serr))...)
		return serr
	}
	return nil
}
