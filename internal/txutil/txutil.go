// Package txutil provides the "run inside a transaction" helper shared
// by the saga, outbox, session, and reconciler packages, plus the
// fail-fast contract that outbox events may only be appended from
// within an open transaction (spec invariant I1).
package txutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoTransaction is returned when a caller attempts an operation that
// requires an active transaction handle outside of one. Treat this as
// a programming error: it must never be reached in normal operation.
var ErrNoTransaction = errors.New("txutil: operation requires an active transaction")

// TxFn is a unit of work executed inside a single database transaction.
type TxFn func(ctx context.Context, tx pgx.Tx) error

// Runner abstracts "run fn inside a transaction" behind an interface
// so that saga/outbox/session/reconciler code depends on a narrow
// contract instead of a concrete *pgxpool.Pool, and tests can supply a
// fake that invokes fn with a nil tx against in-memory fakes.
type Runner interface {
	WithTx(ctx context.Context, fn TxFn) error
}

// PoolRunner is the production Runner backed by a real pgxpool.Pool.
type PoolRunner struct {
	Pool *pgxpool.Pool
}

// WithTx implements Runner by delegating to the package-level WithTx.
func (r PoolRunner) WithTx(ctx context.Context, fn TxFn) error {
	return WithTx(ctx, r.Pool, fn)
}

// WithTx begins a transaction on pool, runs fn, and commits on success.
// Any error returned by fn — or a panic recovered and re-raised — rolls
// the transaction back. This is the only place a transaction's
// lifecycle is managed; every caller in saga/outbox/session/reconciler
// goes through it so that domain writes and their paired outbox
// inserts (I1) always share one commit.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn TxFn) (err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("txutil: begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
			}
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(ctx, tx)
	return err
}

// RequireTx returns ErrNoTransaction if tx is nil, enforcing that
// transaction-scoped writes (outbox appends foremost) fail fast instead
// of silently running autocommit.
func RequireTx(tx pgx.Tx) error {
	if tx == nil {
		return ErrNoTransaction
	}
	return nil
}
