package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Default retry budget
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
)

// OutcomeApplier is what the retry driver drives. *Reconciler implements it.
type OutcomeApplier interface {
	Reconcile(ctx context.Context, event *models.PaymentOutcomeEvent) (*ReconcileResult, error)
	AlreadyApplied(ctx context.Context, event *models.PaymentOutcomeEvent) (*ReconcileResult, bool, error)
}

// RetryPolicy bounds how hard WithRetry tries. Attempt n (from 0) is
// followed by a wait of BaseDelay * 2^n.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// RetryDriver is the single entry point every channel uses to reconcile.
type RetryDriver struct {
	applier OutcomeApplier
	policy  RetryPolicy
	clock   quartz.Clock
	logger  *zap.Logger
}

// NewRetryDriver creates a new retry driver
func NewRetryDriver(applier OutcomeApplier, policy RetryPolicy, clock quartz.Clock, logger *zap.Logger) *RetryDriver {
	return &RetryDriver{
		applier: applier,
		policy:  policy.withDefaults(),
		clock:   clock,
		logger:  logger,
	}
}

// WithRetry reconciles event, retrying transient conflicts. Once the budget
// is spent it asks the ledger exactly once whether the event already took
// effect, and reports ErrRetryExhausted if it did not.
func (d *RetryDriver) WithRetry(ctx context.Context, event *models.PaymentOutcomeEvent) (result *ReconcileResult, err error) {
	ctx, span := util.StartSpan(ctx, "RetryDriver.WithRetry",
		attribute.String("purchase_reference", event.PurchaseReference),
		attribute.String("source", event.Source))
	start := d.clock.Now()
	defer func() {
		util.ReconcileLatency.Observe(d.clock.Since(start).Seconds())
		util.ReconcileOutcomesTotal.WithLabelValues(outcomeLabel(result, err)).Inc()
		util.EndSpan(span, err)
	}()

	attempts := 0
	operation := func() error {
		attempts++
		res, err := d.applier.Reconcile(ctx, event)
		if err == nil {
			result = res
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("Reconcile conflict, retrying",
			append(util.EventFields(event),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(err))...)
	}

	err = backoff.RetryNotifyWithTimer(operation, d.backOff(ctx), notify, &clockTimer{clock: d.clock, tag: "retry"})
	if err == nil {
		return result, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, newError(KindStorage, "reconcile canceled", cerr)
	}
	if !IsRetryable(err) {
		return nil, classify("reconcile", err)
	}

	res, applied, cerr := d.applier.AlreadyApplied(ctx, event)
	if cerr != nil {
		return nil, cerr
	}
	util.ReconcileRechecksTotal.WithLabelValues(strconv.FormatBool(applied)).Inc()
	if applied {
		d.logger.Info("Event already applied after exhausted retries",
			append(util.EventFields(event), zap.Int("attempts", attempts))...)
		return res, nil
	}

	d.logger.Error("Reconcile retries exhausted",
		append(util.EventFields(event), zap.Int("attempts", attempts), zap.Error(err))...)
	return nil, &ReconcileError{
		Kind:   KindRetryExhausted,
		Op:     "reconcile",
		Detail: fmt.Sprintf("%d attempts", attempts),
		Cause:  err,
	}
}

// backOff yields BaseDelay, 2*BaseDelay, ... and stops after MaxAttempts-1
// waits or when ctx is done.
func (d *RetryDriver) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.policy.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = d.policy.BaseDelay << uint(d.policy.MaxAttempts)
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.policy.MaxAttempts-1)), ctx)
}

func outcomeLabel(result *ReconcileResult, err error) string {
	switch {
	case err != nil:
		return KindOf(err).String()
	case result.WasAlreadyApplied:
		return "already_applied"
	default:
		return "applied"
	}
}

// clockTimer lets backoff sleep on a quartz clock.
type clockTimer struct {
	clock quartz.Clock
	tag   string
	timer *quartz.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d, t.tag)
		return
	}
	t.timer.Reset(d, t.tag)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop(t.tag)
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
