package models

import "time"

// User is a payer. Users are managed elsewhere; the ledger only checks that they exist.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Course represents a purchasable course in the catalog
type Course struct {
	ID         string    `db:"id" json:"id"`
	Title      string    `db:"title" json:"title"`
	PriceMinor int64     `db:"price_minor" json:"price_minor"`
	Currency   string    `db:"currency" json:"currency"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// TransactionStatus is the lifecycle state of a purchase attempt.
type TransactionStatus string

// Transaction statuses
const (
	TransactionStatusPending  TransactionStatus = "PENDING"
	TransactionStatusSuccess  TransactionStatus = "SUCCESS"
	TransactionStatusFailed   TransactionStatus = "FAILED"
	TransactionStatusRefunded TransactionStatus = "REFUNDED"
)

// Settled reports whether the status can no longer be changed by a payment outcome.
// SUCCESS only moves to REFUNDED through an explicit refund, and REFUNDED is final.
func (s TransactionStatus) Settled() bool {
	return s == TransactionStatusSuccess || s == TransactionStatusRefunded
}

// Transaction represents one purchase attempt, keyed by the gateway's purchase reference
type Transaction struct {
	ID                string            `db:"id" json:"id"`
	PayerID           string            `db:"payer_id" json:"payer_id"`
	CourseID          string            `db:"course_id" json:"course_id"`
	Amount            int64             `db:"amount" json:"amount"`
	Currency          string            `db:"currency" json:"currency"`
	Status            TransactionStatus `db:"status" json:"status"`
	PurchaseReference string            `db:"purchase_reference" json:"purchase_reference"`
	Description       string            `db:"description" json:"description"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// Enrollment is a payer's access grant to a course. (payer_id, course_id) is unique.
type Enrollment struct {
	ID          string     `db:"id" json:"id"`
	PayerID     string     `db:"payer_id" json:"payer_id"`
	CourseID    string     `db:"course_id" json:"course_id"`
	Progress    float64    `db:"progress" json:"progress"`
	Completed   bool       `db:"completed" json:"completed"`
	EnrolledAt  time.Time  `db:"enrolled_at" json:"enrolled_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// ProcessedEvent records a webhook delivery that has been fully handled
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
