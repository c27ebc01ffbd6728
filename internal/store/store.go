package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"enrollment-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Ledger is the durable record of transactions and enrollments. All writes
// happen inside InTx; the plain reads are for idempotent re-checks.
type Ledger interface {
	// InTx hands fn the unit's own context; statements inside the unit must
	// use it so the unit's deadline applies to them.
	InTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx LedgerTx) error) error
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	GetEnrollment(ctx context.Context, payerID, courseID string) (*models.Enrollment, error)
}

// LedgerTx is the set of operations available inside one atomic unit.
type LedgerTx interface {
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	// CreateTransaction returns ErrDuplicate if the purchase reference is taken.
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	// UpdateTransactionStatus only writes while the current status is not
	// settled. It reports false when another writer got there first.
	UpdateTransactionStatus(ctx context.Context, id string, status models.TransactionStatus) (bool, error)
	GetEnrollment(ctx context.Context, payerID, courseID string) (*models.Enrollment, error)
	// CreateEnrollment returns ErrDuplicate if (payer, course) is already enrolled.
	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	UserExists(ctx context.Context, id string) (bool, error)
	CourseExists(ctx context.Context, id string) (bool, error)
}

// TxOptions bounds an atomic unit.
type TxOptions struct {
	Isolation sql.IsolationLevel
	// MaxWait caps how long any statement may wait for a row lock.
	MaxWait time.Duration
	// Timeout caps the whole unit, commit included.
	Timeout time.Duration
}

type Store struct {
	querier
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{querier: querier{db: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by the readiness probe
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the ledger tables if they do not exist yet
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a database transaction. The transaction is committed
// when fn returns nil and rolled back otherwise. A unit that outlives
// opts.Timeout fails with ErrConflict.
func (s *Store) InTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx LedgerTx) error) (err error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: opts.Isolation})
	if err != nil {
		return timedOut(ctx, fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		rerr := tx.Rollback()
		if rerr == nil || errors.Is(rerr, sql.ErrTxDone) {
			return
		}
		err = fmt.Errorf("rollback (%s): %w", rerr.Error(), err)
	}()

	if opts.MaxWait > 0 {
		// SET does not take bind parameters; the value is an integer.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", opts.MaxWait.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return timedOut(ctx, fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(ctx, &Tx{querier: querier{db: tx}, tx: tx}); err != nil {
		return timedOut(ctx, err)
	}

	if err := tx.Commit(); err != nil {
		return timedOut(ctx, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// timedOut reports err as a conflict once the unit's deadline has passed.
// database/sql rolls the transaction back at the deadline, so whatever
// statement came next failed with sql.ErrTxDone or a context error.
func timedOut(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("unit timed out (%v): %w", err, ErrConflict)
	}
	return err
}

// Tx is a LedgerTx backed by a database transaction
type Tx struct {
	querier
	tx *sqlx.Tx
}

// CreateTransaction inserts a transaction row
func (t *Tx) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	return t.withSavepoint(ctx, "create_transaction", func() error {
		return t.insertTransaction(ctx, txn)
	})
}

// CreateEnrollment inserts an enrollment row
func (t *Tx) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	return t.withSavepoint(ctx, "create_enrollment", func() error {
		query := `
			INSERT INTO enrollments (id, payer_id, course_id, progress, completed, enrolled_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`

		_, err := t.tx.ExecContext(ctx, query,
			enrollment.ID, enrollment.PayerID, enrollment.CourseID, enrollment.Progress,
			enrollment.Completed, enrollment.EnrolledAt, enrollment.CompletedAt)
		return err
	})
}

// UpdateTransactionStatus moves an unsettled transaction to status
func (t *Tx) UpdateTransactionStatus(ctx context.Context, id string, status models.TransactionStatus) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4)`,
		status, id, models.TransactionStatusSuccess, models.TransactionStatusRefunded)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// withSavepoint keeps a unique violation from aborting the surrounding
// transaction, so the caller can re-read the row that won.
func (t *Tx) withSavepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}

	if err := fn(); err != nil {
		if !IsUniqueViolation(err) {
			return err
		}
		if _, rerr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rerr != nil {
			return fmt.Errorf("rollback to savepoint %s: %w", name, rerr)
		}
		return ErrDuplicate
	}

	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}
