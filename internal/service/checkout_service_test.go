package service

import (
	"context"
	"testing"
	"time"

	"enrollment-service/internal/gateway"
	"enrollment-service/internal/models"
	"enrollment-service/internal/store/storetest"
	"enrollment-service/internal/util"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type checkoutFixture struct {
	ledger    *storetest.Ledger
	gateway   *gateway.StubGateway
	publisher *recordingPublisher
	clock     *quartz.Mock
	service   *CheckoutService
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	ledger := newLedger()
	gw := gateway.NewStubGateway("http://pay.test")
	publisher := &recordingPublisher{}
	clock := quartz.NewMock(t)
	logger := zaptest.NewLogger(t)

	driver := newDriver(t, newReconciler(t, ledger, publisher))
	followUps := NewFollowUpScheduler(publisher, clock, 30*time.Second, 5, logger)

	return &checkoutFixture{
		ledger:    ledger,
		gateway:   gw,
		publisher: publisher,
		clock:     clock,
		service:   NewCheckoutService(ledger, gw, driver, followUps, clock, 0, logger),
	}
}

func (f *checkoutFixture) start(t *testing.T) string {
	resp, err := f.service.StartCheckout(context.Background(), &StartCheckoutRequest{PayerID: "u1", CourseID: "c1"})
	require.NoError(t, err)
	return resp.Reference
}

func TestStartCheckout(t *testing.T) {
	f := newCheckoutFixture(t)

	resp, err := f.service.StartCheckout(context.Background(), &StartCheckoutRequest{PayerID: "u1", CourseID: "c1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Reference)
	assert.Equal(t, "http://pay.test/checkout/"+resp.Reference, resp.CheckoutURL)

	txns := f.ledger.Transactions()
	require.Len(t, txns, 1)
	assert.Equal(t, models.TransactionStatusPending, txns[0].Status)
	assert.Equal(t, resp.Reference, txns[0].PurchaseReference)
	assert.Equal(t, int64(29900), txns[0].Amount)
	assert.Equal(t, "usd", txns[0].Currency)
	assert.Equal(t, "Course X (c1)", txns[0].Description)
	assert.Empty(t, f.ledger.Enrollments())
}

func TestStartCheckoutRejectsEnrolledPayer(t *testing.T) {
	f := newCheckoutFixture(t)
	f.ledger.SeedEnrollment(models.Enrollment{ID: "e1", PayerID: "u1", CourseID: "c1"})

	_, err := f.service.StartCheckout(context.Background(), &StartCheckoutRequest{PayerID: "u1", CourseID: "c1"})
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
	assert.Empty(t, f.ledger.Transactions())
}

func TestStartCheckoutUnknownCourse(t *testing.T) {
	f := newCheckoutFixture(t)

	_, err := f.service.StartCheckout(context.Background(), &StartCheckoutRequest{PayerID: "u1", CourseID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmCheckoutPending(t *testing.T) {
	f := newCheckoutFixture(t)
	ref := f.start(t)

	_, err := f.service.ConfirmCheckout(context.Background(), ref)
	assert.ErrorIs(t, err, ErrPaymentPending)
	assert.Equal(t, models.TransactionStatusPending, f.ledger.Transactions()[0].Status)
}

func TestConfirmCheckoutPaid(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	ref := f.start(t)
	require.NoError(t, f.gateway.Complete(ref))

	result, err := f.service.ConfirmCheckout(ctx, ref)
	require.NoError(t, err)
	assert.False(t, result.WasAlreadyApplied)
	assert.Equal(t, models.TransactionStatusSuccess, result.Transaction.Status)
	require.NotNil(t, result.Enrollment)

	again, err := f.service.ConfirmCheckout(ctx, ref)
	require.NoError(t, err)
	assert.True(t, again.WasAlreadyApplied)
	assert.Len(t, f.ledger.Transactions(), 1)
	assert.Len(t, f.ledger.Enrollments(), 1)

	_, err = f.service.StartCheckout(ctx, &StartCheckoutRequest{PayerID: "u1", CourseID: "c1"})
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestConfirmCheckoutExpired(t *testing.T) {
	f := newCheckoutFixture(t)
	ref := f.start(t)
	require.NoError(t, f.gateway.Expire(ref))

	result, err := f.service.ConfirmCheckout(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, result.Transaction.Status)
	assert.Nil(t, result.Enrollment)
	assert.Empty(t, f.ledger.Enrollments())
}

func TestConfirmCheckoutWaitsConfirmDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newCheckoutFixture(t)
	f.service.confirmDelay = 300 * time.Millisecond
	ref := f.start(t)
	require.NoError(t, f.gateway.Complete(ref))

	trap := f.clock.Trap().NewTimer("confirm")
	defer trap.Close()

	done := make(chan error, 1)
	go func() {
		_, err := f.service.ConfirmCheckout(ctx, ref)
		done <- err
	}()

	call := trap.MustWait(ctx)
	assert.Equal(t, 300*time.Millisecond, call.Duration)
	call.MustRelease(ctx)
	assert.Empty(t, f.ledger.Enrollments(), "nothing is written before the delay")

	f.clock.Advance(300 * time.Millisecond).MustWait(ctx)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for confirm")
	}
	assert.Len(t, f.ledger.Enrollments(), 1)
}

func TestConfirmCheckoutExhaustedSchedulesFollowUp(t *testing.T) {
	f := newCheckoutFixture(t)
	ref := f.start(t)
	require.NoError(t, f.gateway.Complete(ref))
	f.ledger.BeforeCommit = alwaysConflict

	_, err := f.service.ConfirmCheckout(context.Background(), ref)
	assert.ErrorIs(t, err, ErrRetryExhausted)

	require.Len(t, f.publisher.retries, 1)
	retry := f.publisher.retries[0]
	assert.Equal(t, models.EventTypeReconcileRetry, retry.EventType)
	assert.Equal(t, 1, retry.Attempt)
	assert.Equal(t, ref, retry.Event.PurchaseReference)
	assert.Equal(t, models.OutcomeSucceeded, retry.Event.Outcome)
	assert.Equal(t, f.clock.Now().UTC().Add(30*time.Second), retry.NotBefore)
}

func TestSyncTransactionUnknownReference(t *testing.T) {
	f := newCheckoutFixture(t)

	_, err := f.service.SyncTransaction(context.Background(), "cs_missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestSyncTransaction(t *testing.T) {
	f := newCheckoutFixture(t)
	ref := f.start(t)
	require.NoError(t, f.gateway.Fail(ref))

	result, err := f.service.SyncTransaction(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, result.Transaction.Status)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	ref := f.start(t)

	_, err := f.service.Refund(ctx, ref)
	assert.ErrorIs(t, err, ErrNotRefundable, "pending purchases cannot be refunded")

	require.NoError(t, f.gateway.Complete(ref))
	_, err = f.service.ConfirmCheckout(ctx, ref)
	require.NoError(t, err)

	txn, err := f.service.Refund(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusRefunded, txn.Status)
	assert.True(t, f.gateway.Refunded(ref))
	assert.Len(t, f.ledger.Enrollments(), 1, "refunds leave the enrollment alone")

	_, err = f.service.Refund(ctx, ref)
	assert.ErrorIs(t, err, ErrNotRefundable)

	_, err = f.service.Refund(ctx, "cs_missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestGetEnrollmentAndTransaction(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)

	_, err := f.service.GetEnrollment(ctx, "u1", "c1")
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)
	_, err = f.service.GetTransaction(ctx, "cs_missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	ref := f.start(t)
	require.NoError(t, f.gateway.Complete(ref))
	_, err = f.service.ConfirmCheckout(ctx, ref)
	require.NoError(t, err)

	enrollment, err := f.service.GetEnrollment(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", enrollment.PayerID)

	txn, err := f.service.GetTransaction(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusSuccess, txn.Status)
}

func TestFollowUpSchedulerGivesUp(t *testing.T) {
	publisher := &recordingPublisher{}
	s := NewFollowUpScheduler(publisher, quartz.NewMock(t), time.Minute, 2, zaptest.NewLogger(t))

	event := paymentEvent("ref-1", models.OutcomeSucceeded)
	ok, err := s.Schedule(context.Background(), event, 2, "exhausted")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Schedule(context.Background(), event, 3, "exhausted")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, publisher.retries, 1)
}

func TestFollowUpSchedulerRetriesPublish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	newTimer := clock.Trap().NewTimer("publish")
	defer newTimer.Close()
	resetTimer := clock.Trap().TimerReset("publish")
	defer resetTimer.Close()

	publisher := &recordingPublisher{retryFailures: 2}
	s := NewFollowUpScheduler(publisher, clock, time.Minute, 3, zaptest.NewLogger(t))

	type scheduled struct {
		ok  bool
		err error
	}
	done := make(chan scheduled, 1)
	go func() {
		ok, err := s.Schedule(ctx, paymentEvent("ref-1", models.OutcomeSucceeded), 1, "exhausted")
		done <- scheduled{ok, err}
	}()

	call := newTimer.MustWait(ctx)
	assert.Equal(t, 200*time.Millisecond, call.Duration)
	call.MustRelease(ctx)
	clock.Advance(200 * time.Millisecond).MustWait(ctx)

	call = resetTimer.MustWait(ctx)
	assert.Equal(t, 400*time.Millisecond, call.Duration)
	call.MustRelease(ctx)
	clock.Advance(400 * time.Millisecond).MustWait(ctx)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.True(t, got.ok)
	case <-ctx.Done():
		t.Fatal("timed out waiting for Schedule")
	}
	require.Len(t, publisher.retries, 1)
	assert.Equal(t, 1, publisher.retries[0].Attempt)
}

func TestFollowUpSchedulerReportsLostPublish(t *testing.T) {
	publisher := &recordingPublisher{retryFailures: 10}
	s := NewFollowUpScheduler(publisher, quartz.NewReal(), time.Minute, 3, zaptest.NewLogger(t))

	failed := testutil.ToFloat64(util.FollowUpsTotal.WithLabelValues("publish_failed"))
	ok, err := s.Schedule(context.Background(), paymentEvent("ref-1", models.OutcomeSucceeded), 1, "exhausted")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, publisher.retries)
	assert.Equal(t, 7, publisher.retryFailures)
	assert.Equal(t, failed+1, testutil.ToFloat64(util.FollowUpsTotal.WithLabelValues("publish_failed")))
}
