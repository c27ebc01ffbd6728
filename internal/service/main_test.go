package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
	"enrollment-service/internal/store/storetest"

	"github.com/coder/quartz"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newLedger() *storetest.Ledger {
	ledger := storetest.New()
	ledger.AddUser("u1")
	ledger.AddUser("u2")
	ledger.AddCourse(models.Course{ID: "c1", Title: "Course X", PriceMinor: 29900, Currency: "usd"})
	ledger.AddCourse(models.Course{ID: "c2", Title: "Course Y", PriceMinor: 4900, Currency: "usd"})
	return ledger
}

func paymentEvent(reference string, outcome models.PaymentOutcome) *models.PaymentOutcomeEvent {
	return &models.PaymentOutcomeEvent{
		PurchaseReference: reference,
		PayerID:           "u1",
		CourseID:          "c1",
		Outcome:           outcome,
		AmountMinorUnits:  29900,
		Currency:          "usd",
		ItemDescription:   "Course X (c1)",
		Source:            models.SourceConfirm,
	}
}

func newReconciler(t *testing.T, ledger store.Ledger, publisher EventPublisher) *Reconciler {
	return NewReconciler(ledger, publisher, quartz.NewReal(), store.TxOptions{}, zaptest.NewLogger(t))
}

func newDriver(t *testing.T, applier OutcomeApplier) *RetryDriver {
	return NewRetryDriver(applier, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, quartz.NewReal(), zaptest.NewLogger(t))
}

func alwaysConflict(int) error {
	return store.ErrConflict
}

type recordingPublisher struct {
	mu      sync.Mutex
	granted []*models.EnrollmentGrantedEvent
	retries []*models.ReconcileRetryEvent
	err     error
	// retryFailures fails that many PublishReconcileRetry calls first.
	retryFailures int
}

func (p *recordingPublisher) PublishEnrollmentGranted(_ context.Context, event *models.EnrollmentGrantedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = append(p.granted, event)
	return p.err
}

func (p *recordingPublisher) PublishReconcileRetry(_ context.Context, event *models.ReconcileRetryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retryFailures > 0 {
		p.retryFailures--
		return errors.New("broker unavailable")
	}
	p.retries = append(p.retries, event)
	return p.err
}

func (p *recordingPublisher) grantedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.granted)
}
