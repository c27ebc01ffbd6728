// Package gateway is the boundary to the payment provider: checkout sessions
// for the pull channel and signed webhook deliveries for the push channel.
package gateway

import (
	"context"
	"errors"
	"time"

	"enrollment-service/internal/models"
)

var (
	ErrSessionNotFound = errors.New("checkout session not found")
	ErrRefundRejected  = errors.New("refund rejected by gateway")
)

// SessionStatus is the provider's view of a checkout session.
type SessionStatus string

// Session statuses
const (
	SessionOpen    SessionStatus = "open"
	SessionPaid    SessionStatus = "paid"
	SessionFailed  SessionStatus = "failed"
	SessionExpired SessionStatus = "expired"
)

// CheckoutRequest describes the single course being bought.
type CheckoutRequest struct {
	PayerID     string
	CourseID    string
	AmountMinor int64
	Currency    string
	Description string
}

// Session is a checkout session. Reference is the purchase reference.
type Session struct {
	Reference   string        `json:"reference"`
	PayerID     string        `json:"payer_id"`
	CourseID    string        `json:"course_id"`
	AmountMinor int64         `json:"amount_minor"`
	Currency    string        `json:"currency"`
	Description string        `json:"description"`
	Status      SessionStatus `json:"status"`
	URL         string        `json:"url"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Outcome maps the session status to a payment outcome. ok is false while
// the session is still open.
func (s *Session) Outcome() (outcome models.PaymentOutcome, ok bool) {
	switch s.Status {
	case SessionPaid:
		return models.OutcomeSucceeded, true
	case SessionFailed:
		return models.OutcomeFailed, true
	case SessionExpired:
		return models.OutcomeCanceled, true
	}
	return "", false
}

// Event translates a settled session into a payment outcome event.
func (s *Session) Event(source string) (*models.PaymentOutcomeEvent, bool) {
	outcome, ok := s.Outcome()
	if !ok {
		return nil, false
	}
	return &models.PaymentOutcomeEvent{
		PurchaseReference: s.Reference,
		PayerID:           s.PayerID,
		CourseID:          s.CourseID,
		Outcome:           outcome,
		AmountMinorUnits:  s.AmountMinor,
		Currency:          s.Currency,
		ItemDescription:   s.Description,
		Source:            source,
	}, true
}

// Client is the pull side of the payment provider.
type Client interface {
	CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*Session, error)
	// GetSession returns ErrSessionNotFound for an unknown reference.
	GetSession(ctx context.Context, reference string) (*Session, error)
	Refund(ctx context.Context, reference string) error
}
