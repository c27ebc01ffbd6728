package gateway

import (
	"context"
	"testing"

	"enrollment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubGatewaySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	gw := NewStubGateway("http://localhost:8080/")

	session, err := gw.CreateCheckoutSession(ctx, &CheckoutRequest{
		PayerID:     "u1",
		CourseID:    "c1",
		AmountMinor: 29900,
		Currency:    "usd",
		Description: "Course X (c1)",
	})
	require.NoError(t, err)
	assert.Contains(t, session.Reference, "cs_stub_")
	assert.Equal(t, "http://localhost:8080/checkout/"+session.Reference, session.URL)

	_, ok := session.Event(models.SourceConfirm)
	assert.False(t, ok, "open session has no outcome")

	require.NoError(t, gw.Complete(session.Reference))
	got, err := gw.GetSession(ctx, session.Reference)
	require.NoError(t, err)

	event, ok := got.Event(models.SourceConfirm)
	require.True(t, ok)
	assert.Equal(t, models.OutcomeSucceeded, event.Outcome)
	assert.Equal(t, session.Reference, event.PurchaseReference)
	assert.Equal(t, "u1", event.PayerID)
	assert.Equal(t, "c1", event.CourseID)
	assert.Equal(t, int64(29900), event.AmountMinorUnits)
	assert.Equal(t, models.SourceConfirm, event.Source)
}

func TestSessionOutcome(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   models.PaymentOutcome
		ok     bool
	}{
		{SessionOpen, "", false},
		{SessionPaid, models.OutcomeSucceeded, true},
		{SessionFailed, models.OutcomeFailed, true},
		{SessionExpired, models.OutcomeCanceled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			outcome, ok := (&Session{Status: tt.status}).Outcome()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, outcome)
		})
	}
}

func TestStubGatewayUnknownSession(t *testing.T) {
	gw := NewStubGateway("")

	_, err := gw.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, gw.Complete("missing"), ErrSessionNotFound)
}

func TestStubGatewayRefund(t *testing.T) {
	ctx := context.Background()
	gw := NewStubGateway("")

	session, err := gw.CreateCheckoutSession(ctx, &CheckoutRequest{PayerID: "u1", CourseID: "c1"})
	require.NoError(t, err)

	assert.ErrorIs(t, gw.Refund(ctx, session.Reference), ErrRefundRejected)

	require.NoError(t, gw.Complete(session.Reference))
	require.NoError(t, gw.Refund(ctx, session.Reference))
	assert.True(t, gw.Refunded(session.Reference))
}
