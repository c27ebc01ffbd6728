package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/service"
	"enrollment-service/internal/store"
	"enrollment-service/internal/store/storetest"
	"enrollment-service/internal/util"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	mu       sync.Mutex
	retries  []*models.ReconcileRetryEvent
	retryErr error
}

func (p *recordingPublisher) PublishEnrollmentGranted(context.Context, *models.EnrollmentGrantedEvent) error {
	return nil
}

func (p *recordingPublisher) PublishReconcileRetry(_ context.Context, event *models.ReconcileRetryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retryErr != nil {
		return p.retryErr
	}
	p.retries = append(p.retries, event)
	return nil
}

type fixture struct {
	ledger    *storetest.Ledger
	publisher *recordingPublisher
	clock     *quartz.Mock
	worker    *RetryWorker
}

func newFixture(t *testing.T) *fixture {
	ledger := storetest.New()
	ledger.AddUser("u1")
	ledger.AddCourse(models.Course{ID: "c1", Title: "Course X", PriceMinor: 29900, Currency: "usd"})

	logger := zaptest.NewLogger(t)
	clock := quartz.NewMock(t)
	publisher := &recordingPublisher{}

	reconciler := service.NewReconciler(ledger, publisher, clock, store.TxOptions{}, logger)
	driver := service.NewRetryDriver(reconciler, service.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, quartz.NewReal(), logger)
	followUps := service.NewFollowUpScheduler(publisher, clock, 30*time.Second, 3, logger)

	return &fixture{
		ledger:    ledger,
		publisher: publisher,
		clock:     clock,
		worker:    NewRetryWorker(nil, driver, followUps, clock, logger),
	}
}

func (f *fixture) retry(attempt int, notBefore time.Time) *models.ReconcileRetryEvent {
	return &models.ReconcileRetryEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeReconcileRetry},
		Event: models.PaymentOutcomeEvent{
			PurchaseReference: "ref-1",
			PayerID:           "u1",
			CourseID:          "c1",
			Outcome:           models.OutcomeSucceeded,
			AmountMinorUnits:  29900,
			Currency:          "usd",
			ItemDescription:   "Course X (c1)",
			Source:            models.SourceConfirm,
		},
		Attempt:   attempt,
		NotBefore: notBefore,
	}
}

func TestHandleReconcileRetryApplies(t *testing.T) {
	f := newFixture(t)

	err := f.worker.HandleReconcileRetry(context.Background(), f.retry(1, f.clock.Now().Add(-time.Second)))
	require.NoError(t, err)
	assert.Len(t, f.ledger.Enrollments(), 1)
	assert.Empty(t, f.publisher.retries)
}

func TestHandleReconcileRetryWaitsForNotBefore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newFixture(t)
	trap := f.clock.Trap().NewTimer("followup")
	defer trap.Close()

	done := make(chan error, 1)
	go func() {
		done <- f.worker.HandleReconcileRetry(ctx, f.retry(1, f.clock.Now().Add(30*time.Second)))
	}()

	call := trap.MustWait(ctx)
	assert.Equal(t, 30*time.Second, call.Duration)
	call.MustRelease(ctx)
	assert.Empty(t, f.ledger.Enrollments())

	f.clock.Advance(30 * time.Second).MustWait(ctx)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for follow-up")
	}
	assert.Len(t, f.ledger.Enrollments(), 1)
}

func TestHandleReconcileRetryReschedules(t *testing.T) {
	f := newFixture(t)
	f.ledger.BeforeCommit = func(int) error { return store.ErrConflict }

	err := f.worker.HandleReconcileRetry(context.Background(), f.retry(1, f.clock.Now()))
	require.NoError(t, err)

	require.Len(t, f.publisher.retries, 1)
	next := f.publisher.retries[0]
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, "ref-1", next.Event.PurchaseReference)
	assert.Equal(t, models.SourceConfirm, next.Event.Source)
	assert.Equal(t, f.clock.Now().UTC().Add(30*time.Second), next.NotBefore)
}

func TestHandleReconcileRetryGivesUpAfterBudget(t *testing.T) {
	f := newFixture(t)
	f.ledger.BeforeCommit = func(int) error { return store.ErrConflict }

	err := f.worker.HandleReconcileRetry(context.Background(), f.retry(3, f.clock.Now()))
	require.NoError(t, err)
	assert.Empty(t, f.publisher.retries)
}

func TestHandleReconcileRetryDropsMalformed(t *testing.T) {
	f := newFixture(t)
	retry := f.retry(1, f.clock.Now())
	retry.Event.CourseID = "ghost"

	require.NoError(t, f.worker.HandleReconcileRetry(context.Background(), retry))
	assert.Empty(t, f.publisher.retries)
	assert.Empty(t, f.ledger.Transactions())
}

func TestHandleReconcileRetryReportsLostFollowUp(t *testing.T) {
	f := newFixture(t)
	f.ledger.BeforeCommit = func(int) error { return store.ErrConflict }
	f.publisher.retryErr = errors.New("broker unavailable")

	logger := zaptest.NewLogger(t)
	f.worker.followUps = service.NewFollowUpScheduler(f.publisher, quartz.NewReal(), 30*time.Second, 3, logger)

	lost := testutil.ToFloat64(util.FollowUpsTotal.WithLabelValues("lost"))
	err := f.worker.HandleReconcileRetry(context.Background(), f.retry(1, f.clock.Now()))
	assert.ErrorContains(t, err, "broker unavailable")
	assert.Empty(t, f.publisher.retries)
	assert.Equal(t, lost+1, testutil.ToFloat64(util.FollowUpsTotal.WithLabelValues("lost")))
}
