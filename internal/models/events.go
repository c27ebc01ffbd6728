package models

import (
	"errors"
	"time"
)

// Event types
const (
	EventTypeEnrollmentGranted = "ENROLLMENT_GRANTED"
	EventTypeReconcileRetry    = "RECONCILE_RETRY"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentOutcome is the gateway's verdict on a checkout attempt.
type PaymentOutcome string

// Payment outcomes
const (
	OutcomeSucceeded PaymentOutcome = "SUCCEEDED"
	OutcomeFailed    PaymentOutcome = "FAILED"
	OutcomeCanceled  PaymentOutcome = "CANCELED"
)

// TransactionStatus maps an outcome to the terminal transaction status it implies.
func (o PaymentOutcome) TransactionStatus() TransactionStatus {
	if o == OutcomeSucceeded {
		return TransactionStatusSuccess
	}
	return TransactionStatusFailed
}

// Valid reports whether o is one of the known outcomes.
func (o PaymentOutcome) Valid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeCanceled:
		return true
	}
	return false
}

// Event sources, used for logs and metrics only
const (
	SourceConfirm   = "confirm"
	SourceWebhook   = "webhook"
	SourceAdminSync = "admin_sync"
	SourceFollowUp  = "followup"
	SourceCLI       = "cli"
)

var (
	errMissingReference = errors.New("purchase reference is required")
	errMissingPayer     = errors.New("payer id is required")
	errMissingCourse    = errors.New("course id is required")
	errUnknownOutcome   = errors.New("unknown payment outcome")
)

// PaymentOutcomeEvent is a payment result for one purchase reference, from any channel.
// It is not persisted; idempotency comes from the ledger.
type PaymentOutcomeEvent struct {
	PurchaseReference string         `json:"purchase_reference"`
	PayerID           string         `json:"payer_id"`
	CourseID          string         `json:"course_id"`
	Outcome           PaymentOutcome `json:"outcome"`
	AmountMinorUnits  int64          `json:"amount_minor_units"`
	Currency          string         `json:"currency"`
	ItemDescription   string         `json:"item_description"`
	Source            string         `json:"source,omitempty"`
}

// Validate checks the fields the reconciler cannot work without.
func (e *PaymentOutcomeEvent) Validate() error {
	switch {
	case e.PurchaseReference == "":
		return errMissingReference
	case e.PayerID == "":
		return errMissingPayer
	case e.CourseID == "":
		return errMissingCourse
	case !e.Outcome.Valid():
		return errUnknownOutcome
	}
	return nil
}

// EnrollmentGrantedEvent published when a payer is enrolled for the first time
type EnrollmentGrantedEvent struct {
	BaseEvent
	EnrollmentID      string `json:"enrollment_id"`
	PayerID           string `json:"payer_id"`
	CourseID          string `json:"course_id"`
	PurchaseReference string `json:"purchase_reference"`
	Source            string `json:"source"`
}

// ReconcileRetryEvent asks the follow-up worker to reconcile an event again later
type ReconcileRetryEvent struct {
	BaseEvent
	Event     PaymentOutcomeEvent `json:"event"`
	Attempt   int                 `json:"attempt"`
	NotBefore time.Time           `json:"not_before"`
	Reason    string              `json:"reason"`
}
