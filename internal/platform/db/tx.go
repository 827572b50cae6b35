package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	// DBTxKey carries an open pgx.Tx through a request/unit-of-work context.
	DBTxKey contextKey = "db_tx"
	// DBConnKey carries an acquired pool connection through a context.
	DBConnKey contextKey = "db_conn"
)

// TxFromContext retrieves the transaction from context, if one is open.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// ConnFromContext retrieves an acquired database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// WithTx begins a transaction on the pool and returns a derived context that
// repositories will route their queries through. Callers must either Commit
// or Rollback the returned transaction; Rollback after Commit is a no-op, so
// `defer tx.Rollback(ctx)` immediately after WithTx is the expected shape.
func WithTx(ctx context.Context, pool *pgxpool.Pool) (context.Context, pgx.Tx, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// RunInTx executes fn inside a transaction, committing on success and rolling
// back on error. All referral mutations within one escalation advancement go
// through here so a failure leaves no partial status change behind.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	txCtx, tx, err := WithTx(ctx, pool)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
