package store

import (
	"context"
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrDuplicate is returned by inserts that hit a unique constraint.
	ErrDuplicate = errors.New("duplicate row")
	// ErrConflict signals that a concurrent writer invalidated the unit.
	ErrConflict = errors.New("concurrent write conflict")
	ErrNotFound = errors.New("not found")
	// ErrNotRefundable is returned when refunding a transaction that is not SUCCESS.
	ErrNotRefundable = errors.New("transaction is not refundable")
)

// Postgres error codes that mean "another unit got in the way, try again".
var conflictCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available, raised when lock_timeout expires
	"57014": true, // query_canceled, raised by statement or context timeouts
}

// IsConflict reports whether err is a transient concurrent-write failure.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return conflictCodes[pqErr.Code]
	}
	return false
}

// IsUniqueViolation checks if the error is due to a unique violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}

// IsForeignKeyViolation checks if the error is due to a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "foreign_key_violation"
	}
	return false
}
