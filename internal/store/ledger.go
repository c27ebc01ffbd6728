package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"enrollment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// querier holds the queries shared by Store and Tx.
type querier struct {
	db sqlx.ExtContext
}

// GetTransactionByReference retrieves a transaction by purchase reference.
// It returns nil, nil when there is none.
func (q querier) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	var txn models.Transaction
	err := sqlx.GetContext(ctx, q.db, &txn,
		"SELECT * FROM transactions WHERE purchase_reference = $1", reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetEnrollment retrieves the enrollment for (payer, course), or nil, nil
func (q querier) GetEnrollment(ctx context.Context, payerID, courseID string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := sqlx.GetContext(ctx, q.db, &enrollment,
		"SELECT * FROM enrollments WHERE payer_id = $1 AND course_id = $2", payerID, courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// UserExists checks whether a payer is known
func (q querier) UserExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q.db, &exists,
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id)
	return exists, err
}

// CourseExists checks whether a course is known
func (q querier) CourseExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q.db, &exists,
		"SELECT EXISTS(SELECT 1 FROM courses WHERE id = $1)", id)
	return exists, err
}

// GetCourse retrieves a course by ID
func (q querier) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	var course models.Course
	err := sqlx.GetContext(ctx, q.db, &course, "SELECT * FROM courses WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

func (q querier) insertTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (id, payer_id, course_id, amount, currency, status, purchase_reference, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	row := q.db.QueryRowxContext(ctx, query,
		txn.ID, txn.PayerID, txn.CourseID, txn.Amount, txn.Currency,
		txn.Status, txn.PurchaseReference, txn.Description)
	return row.Scan(&txn.CreatedAt, &txn.UpdatedAt)
}

// CreateTransaction records a purchase attempt outside of an atomic unit,
// used when a checkout session is opened.
func (s *Store) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	err := s.insertTransaction(ctx, txn)
	if IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// RefundTransaction moves a SUCCESS transaction to REFUNDED. It returns
// ErrNotFound for an unknown reference and ErrNotRefundable for any other status.
func (s *Store) RefundTransaction(ctx context.Context, reference string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, `
		UPDATE transactions SET status = $1, updated_at = NOW()
		WHERE purchase_reference = $2 AND status = $3
		RETURNING *`,
		models.TransactionStatusRefunded, reference, models.TransactionStatusSuccess)
	if err == nil {
		return &txn, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := s.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("transaction %s: %w", reference, ErrNotFound)
	}
	return current, ErrNotRefundable
}

// IsEventProcessed checks if a webhook delivery has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks a webhook delivery as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
