package service

import (
	"errors"
	"fmt"

	"enrollment-service/internal/store"
)

// Reconciliation failure classes. Callers match them with errors.Is.
var (
	ErrConflict       = errors.New("transient write conflict")
	ErrMalformedEvent = errors.New("malformed payment event")
	ErrNotFound       = errors.New("payer or course not found")
	ErrStorage        = errors.New("storage failure")
	ErrRetryExhausted = errors.New("retries exhausted")
)

// ErrorKind classifies a ReconcileError.
type ErrorKind int

const (
	KindStorage ErrorKind = iota
	KindConflict
	KindMalformed
	KindNotFound
	KindRetryExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindMalformed:
		return "malformed"
	case KindNotFound:
		return "not_found"
	case KindRetryExhausted:
		return "retry_exhausted"
	default:
		return "storage"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConflict:
		return ErrConflict
	case KindMalformed:
		return ErrMalformedEvent
	case KindNotFound:
		return ErrNotFound
	case KindRetryExhausted:
		return ErrRetryExhausted
	default:
		return ErrStorage
	}
}

// ReconcileError is the only error type the reconciler and the retry driver
// return. Unwrap yields the kind's sentinel, so driver errors such as
// *pq.Error stay out of reach of callers; Cause keeps them for logging.
type ReconcileError struct {
	Kind   ErrorKind
	Op     string
	Detail string
	Cause  error
}

func (e *ReconcileError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ReconcileError) Unwrap() error {
	return e.Kind.sentinel()
}

// KindOf returns the kind of a reconcile error, KindStorage for anything else.
func KindOf(err error) ErrorKind {
	var rerr *ReconcileError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return KindStorage
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConflict
}

func newError(kind ErrorKind, op string, cause error) *ReconcileError {
	return &ReconcileError{Kind: kind, Op: op, Cause: cause}
}

func malformed(format string, args ...interface{}) *ReconcileError {
	return &ReconcileError{Kind: KindMalformed, Detail: fmt.Sprintf(format, args...)}
}

// classify turns a storage error into a ReconcileError.
func classify(op string, err error) error {
	var rerr *ReconcileError
	if errors.As(err, &rerr) {
		return err
	}
	if store.IsConflict(err) {
		return newError(KindConflict, op, err)
	}
	return newError(KindStorage, op, err)
}
