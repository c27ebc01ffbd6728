package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"enrollment-service/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

var ErrInvalidPayload = errors.New("invalid webhook payload")

// Webhook event types sent by the provider
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventPaymentSucceeded  = "payment.succeeded"
	EventPaymentFailed     = "payment.failed"
	EventPaymentCanceled   = "payment.canceled"
)

// WebhookEvent is one delivery from the provider. ID is the delivery's event
// id and stays the same across redeliveries.
type WebhookEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data WebhookData `json:"data"`
}

// WebhookData is the session the delivery is about
type WebhookData struct {
	Reference   string            `json:"reference"`
	AmountMinor int64             `json:"amount_minor"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(secret, body)))
}

// ParseWebhookEvent decodes a delivery body.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrInvalidPayload)
	}
	return &event, nil
}

// Outcome maps the delivery type to a payment outcome. ok is false for types
// that carry no outcome.
func (e *WebhookEvent) Outcome() (outcome models.PaymentOutcome, ok bool) {
	switch e.Type {
	case EventCheckoutCompleted, EventPaymentSucceeded:
		return models.OutcomeSucceeded, true
	case EventPaymentFailed:
		return models.OutcomeFailed, true
	case EventCheckoutExpired, EventPaymentCanceled:
		return models.OutcomeCanceled, true
	}
	return "", false
}

// PaymentEvent translates the delivery into a payment outcome event. Payer
// and course travel in the session metadata; missing values are left empty
// for the reconciler to reject.
func (e *WebhookEvent) PaymentEvent() (*models.PaymentOutcomeEvent, bool) {
	outcome, ok := e.Outcome()
	if !ok {
		return nil, false
	}
	return &models.PaymentOutcomeEvent{
		PurchaseReference: e.Data.Reference,
		PayerID:           e.Data.Metadata["payer_id"],
		CourseID:          e.Data.Metadata["course_id"],
		Outcome:           outcome,
		AmountMinorUnits:  e.Data.AmountMinor,
		Currency:          e.Data.Currency,
		ItemDescription:   e.Data.Description,
		Source:            models.SourceWebhook,
	}, true
}
