package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
	"time"

	"enrollment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a database/sql driver that accepts every statement and keeps a
// log of what the store sent, so InTx can be tested without Postgres.
type recorder struct {
	mu        sync.Mutex
	stmts     []string
	commits   int
	rollbacks int
}

func (r *recorder) Connect(context.Context) (driver.Conn, error) { return &recorderConn{r: r}, nil }
func (r *recorder) Driver() driver.Driver                        { return r }
func (r *recorder) Open(string) (driver.Conn, error)             { return &recorderConn{r: r}, nil }

func (r *recorder) statements() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stmts...)
}

type recorderConn struct{ r *recorder }

func (c *recorderConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *recorderConn) Close() error              { return nil }
func (c *recorderConn) Begin() (driver.Tx, error) { return &recorderTx{r: c.r}, nil }

func (c *recorderConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return &recorderTx{r: c.r}, nil
}

func (c *recorderConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	c.r.stmts = append(c.r.stmts, query)
	return driver.RowsAffected(1), nil
}

type recorderTx struct{ r *recorder }

func (t *recorderTx) Commit() error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	t.r.commits++
	return nil
}

func (t *recorderTx) Rollback() error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	t.r.rollbacks++
	return nil
}

func newRecordedStore(t *testing.T) (*Store, *recorder) {
	r := &recorder{}
	db := sqlx.NewDb(sql.OpenDB(r), "postgres")
	t.Cleanup(func() { db.Close() })
	return &Store{querier: querier{db: db}, db: db}, r
}

func TestInTxCommits(t *testing.T) {
	s, r := newRecordedStore(t)

	err := s.InTx(context.Background(), TxOptions{MaxWait: 1500 * time.Millisecond}, func(ctx context.Context, tx LedgerTx) error {
		_, err := tx.UpdateTransactionStatus(ctx, "t1", models.TransactionStatusSuccess)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.commits)

	stmts := r.statements()
	require.Len(t, stmts, 2)
	assert.Equal(t, "SET LOCAL lock_timeout = 1500", stmts[0])
}

func TestInTxTimeoutIsConflict(t *testing.T) {
	tests := []struct {
		name string
		// unitCtx picks the context the statement after the deadline runs on.
		unitCtx bool
	}{
		{"statement on unit context", true},
		{"statement on caller context", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r := newRecordedStore(t)
			caller := context.Background()

			err := s.InTx(caller, TxOptions{Timeout: 20 * time.Millisecond}, func(ctx context.Context, tx LedgerTx) error {
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)

				stmtCtx := caller
				if tt.unitCtx {
					stmtCtx = ctx
				}
				_, err := tx.UpdateTransactionStatus(stmtCtx, "t1", models.TransactionStatusSuccess)
				return err
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConflict)
			assert.True(t, IsConflict(err))
			assert.Zero(t, r.commits)
		})
	}
}

func TestInTxTimeoutBeforeCommitIsConflict(t *testing.T) {
	s, r := newRecordedStore(t)

	err := s.InTx(context.Background(), TxOptions{Timeout: 20 * time.Millisecond}, func(ctx context.Context, tx LedgerTx) error {
		if _, err := tx.UpdateTransactionStatus(ctx, "t1", models.TransactionStatusSuccess); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Zero(t, r.commits)
}

func TestInTxKeepsOtherErrors(t *testing.T) {
	s, r := newRecordedStore(t)
	boom := errors.New("boom")

	err := s.InTx(context.Background(), TxOptions{Timeout: time.Second}, func(context.Context, LedgerTx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsConflict(err))
	assert.Zero(t, r.commits)
	assert.Equal(t, 1, r.rollbacks)
}
