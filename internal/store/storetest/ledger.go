// Package storetest provides an in-memory ledger for tests.
//
// Reads inside a unit see committed rows plus the unit's own writes, like
// Postgres at read committed. Writes are buffered and validated when the unit
// commits: the first committer wins and the loser gets store.ErrConflict, the
// way a serialization failure or a blocked unique insert would surface.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"enrollment-service/internal/models"
	"enrollment-service/internal/store"
)

type enrollmentKey struct {
	payerID  string
	courseID string
}

// Ledger is an in-memory store.Ledger.
type Ledger struct {
	mu          sync.Mutex
	users       map[string]bool
	courses     map[string]models.Course
	txns        map[string]models.Transaction // by purchase reference
	refsByID    map[string]string
	enrollments map[enrollmentKey]models.Enrollment
	processed   map[string]string
	units       int
	reads       int

	// BeforeCommit runs once fn has succeeded, before commit validation,
	// with the 1-based number of the unit. A non-nil error aborts the unit.
	BeforeCommit func(unit int) error
	// BeforeCreateEnrollment runs inside CreateEnrollment before the
	// duplicate check, so a test can slip in a competing commit.
	BeforeCreateEnrollment func()
}

var _ store.Ledger = (*Ledger)(nil)

// New returns an empty ledger
func New() *Ledger {
	return &Ledger{
		users:       make(map[string]bool),
		courses:     make(map[string]models.Course),
		txns:        make(map[string]models.Transaction),
		refsByID:    make(map[string]string),
		enrollments: make(map[enrollmentKey]models.Enrollment),
		processed:   make(map[string]string),
	}
}

// AddUser registers a payer
func (l *Ledger) AddUser(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[id] = true
}

// AddCourse registers a course
func (l *Ledger) AddCourse(course models.Course) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.courses[course.ID] = course
}

// SeedTransaction commits a transaction directly
func (l *Ledger) SeedTransaction(txn models.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
		txn.UpdatedAt = txn.CreatedAt
	}
	l.txns[txn.PurchaseReference] = txn
	l.refsByID[txn.ID] = txn.PurchaseReference
}

// SeedEnrollment commits an enrollment directly
func (l *Ledger) SeedEnrollment(enrollment models.Enrollment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enrollments[enrollmentKey{enrollment.PayerID, enrollment.CourseID}] = enrollment
}

// Transactions returns all committed transactions ordered by reference
func (l *Ledger) Transactions() []models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Transaction, 0, len(l.txns))
	for _, txn := range l.txns {
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchaseReference < out[j].PurchaseReference })
	return out
}

// Enrollments returns all committed enrollments
func (l *Ledger) Enrollments() []models.Enrollment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Enrollment, 0, len(l.enrollments))
	for _, e := range l.enrollments {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PayerID != out[j].PayerID {
			return out[i].PayerID < out[j].PayerID
		}
		return out[i].CourseID < out[j].CourseID
	})
	return out
}

// Units returns how many atomic units were started
func (l *Ledger) Units() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.units
}

// Reads returns how many reads happened outside of a unit
func (l *Ledger) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

// InTx runs fn against a buffered unit and commits it. Like the Postgres
// store, a unit that outlives opts.Timeout fails with store.ErrConflict.
func (l *Ledger) InTx(ctx context.Context, opts store.TxOptions, fn func(context.Context, store.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	l.mu.Lock()
	l.units++
	unit := l.units
	hook := l.BeforeCommit
	l.mu.Unlock()

	tx := &unitTx{
		l:        l,
		created:  make(map[string]models.Transaction),
		updated:  make(map[string]statusWrite),
		enrolled: make(map[enrollmentKey]models.Enrollment),
	}
	err := fn(ctx, tx)
	if err == nil && hook != nil {
		err = hook(unit)
	}
	if err == nil && ctx.Err() == nil {
		return l.commit(tx)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("unit %d timed out: %w", unit, store.ErrConflict)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (l *Ledger) commit(tx *unitTx) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ref := range tx.created {
		if _, ok := l.txns[ref]; ok {
			return fmt.Errorf("commit: transaction %s: %w", ref, store.ErrConflict)
		}
	}
	for ref, w := range tx.updated {
		if l.txns[ref].Status != w.from {
			return fmt.Errorf("commit: transaction %s: %w", ref, store.ErrConflict)
		}
	}
	for key := range tx.enrolled {
		if _, ok := l.enrollments[key]; ok {
			return fmt.Errorf("commit: enrollment %s/%s: %w", key.payerID, key.courseID, store.ErrConflict)
		}
	}

	now := time.Now()
	for ref, txn := range tx.created {
		l.txns[ref] = txn
		l.refsByID[txn.ID] = ref
	}
	for ref, w := range tx.updated {
		txn := l.txns[ref]
		txn.Status = w.to
		txn.UpdatedAt = now
		l.txns[ref] = txn
	}
	for key, e := range tx.enrolled {
		l.enrollments[key] = e
	}
	return nil
}

// GetTransactionByReference reads a committed transaction
func (l *Ledger) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	txn, ok := l.txns[reference]
	if !ok {
		return nil, nil
	}
	return &txn, nil
}

// GetEnrollment reads a committed enrollment
func (l *Ledger) GetEnrollment(ctx context.Context, payerID, courseID string) (*models.Enrollment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	e, ok := l.enrollments[enrollmentKey{payerID, courseID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// GetCourse reads a course
func (l *Ledger) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.courses[id]
	if !ok {
		return nil, fmt.Errorf("course %s: %w", id, store.ErrNotFound)
	}
	return &c, nil
}

// CreateTransaction commits a new transaction outside of a unit
func (l *Ledger) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txns[txn.PurchaseReference]; ok {
		return store.ErrDuplicate
	}
	txn.CreatedAt = time.Now()
	txn.UpdatedAt = txn.CreatedAt
	l.txns[txn.PurchaseReference] = *txn
	l.refsByID[txn.ID] = txn.PurchaseReference
	return nil
}

// RefundTransaction moves a SUCCESS transaction to REFUNDED
func (l *Ledger) RefundTransaction(ctx context.Context, reference string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	txn, ok := l.txns[reference]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", reference, store.ErrNotFound)
	}
	if txn.Status != models.TransactionStatusSuccess {
		return &txn, store.ErrNotRefundable
	}
	txn.Status = models.TransactionStatusRefunded
	txn.UpdatedAt = time.Now()
	l.txns[reference] = txn
	return &txn, nil
}

// IsEventProcessed checks if a webhook delivery has been processed
func (l *Ledger) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.processed[eventID]
	return ok, nil
}

// MarkEventProcessed marks a webhook delivery as processed
func (l *Ledger) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.processed[eventID]; !ok {
		l.processed[eventID] = eventType
	}
	return nil
}

type statusWrite struct {
	from models.TransactionStatus
	to   models.TransactionStatus
}

// unitTx buffers the writes of one atomic unit.
type unitTx struct {
	l        *Ledger
	created  map[string]models.Transaction
	updated  map[string]statusWrite
	enrolled map[enrollmentKey]models.Enrollment
}

func (t *unitTx) transaction(reference string) (models.Transaction, bool) {
	if txn, ok := t.created[reference]; ok {
		return txn, true
	}
	t.l.mu.Lock()
	txn, ok := t.l.txns[reference]
	t.l.mu.Unlock()
	if !ok {
		return models.Transaction{}, false
	}
	if w, ok := t.updated[reference]; ok {
		txn.Status = w.to
	}
	return txn, true
}

func (t *unitTx) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	txn, ok := t.transaction(reference)
	if !ok {
		return nil, nil
	}
	return &txn, nil
}

func (t *unitTx) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if _, ok := t.transaction(txn.PurchaseReference); ok {
		return store.ErrDuplicate
	}
	txn.CreatedAt = time.Now()
	txn.UpdatedAt = txn.CreatedAt
	t.created[txn.PurchaseReference] = *txn
	return nil
}

func (t *unitTx) UpdateTransactionStatus(ctx context.Context, id string, status models.TransactionStatus) (bool, error) {
	for ref, txn := range t.created {
		if txn.ID == id {
			if txn.Status.Settled() {
				return false, nil
			}
			txn.Status = status
			t.created[ref] = txn
			return true, nil
		}
	}

	t.l.mu.Lock()
	ref, ok := t.l.refsByID[id]
	t.l.mu.Unlock()
	if !ok {
		return false, nil
	}

	current, ok := t.transaction(ref)
	if !ok || current.Status.Settled() {
		return false, nil
	}
	w, seen := t.updated[ref]
	if !seen {
		w.from = current.Status
	}
	w.to = status
	t.updated[ref] = w
	return true, nil
}

func (t *unitTx) enrollment(key enrollmentKey) (models.Enrollment, bool) {
	if e, ok := t.enrolled[key]; ok {
		return e, true
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	e, ok := t.l.enrollments[key]
	return e, ok
}

func (t *unitTx) GetEnrollment(ctx context.Context, payerID, courseID string) (*models.Enrollment, error) {
	e, ok := t.enrollment(enrollmentKey{payerID, courseID})
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *unitTx) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	if hook := t.l.BeforeCreateEnrollment; hook != nil {
		hook()
	}
	key := enrollmentKey{enrollment.PayerID, enrollment.CourseID}
	if _, ok := t.enrollment(key); ok {
		return store.ErrDuplicate
	}
	t.enrolled[key] = *enrollment
	return nil
}

func (t *unitTx) UserExists(ctx context.Context, id string) (bool, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	return t.l.users[id], nil
}

func (t *unitTx) CourseExists(ctx context.Context, id string) (bool, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	_, ok := t.l.courses[id]
	return ok, nil
}
