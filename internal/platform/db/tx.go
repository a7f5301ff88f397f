package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DBTxKey contextKey = "db_tx"

var errNoConn = errors.New("no database connection in context")

// TxFromContext returns the transaction bound to ctx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant connection held by ctx and returns a
// context carrying it. The caller commits or rolls back.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, errNoConn
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// Transactor runs functions inside a database transaction.
type Transactor struct {
	pool *pgxpool.Pool
}

func NewTransactor(pool *pgxpool.Pool) *Transactor {
	return &Transactor{pool: pool}
}

// InTx runs fn with a context bound to a transaction. A transaction already on
// ctx is reused. Without a tenant connection the pool is used directly.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	txCtx, tx, err := WithTx(ctx)
	if errors.Is(err, errNoConn) {
		if t.pool == nil {
			return err
		}
		tx, err = t.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		txCtx = context.WithValue(ctx, DBTxKey, tx)
	} else if err != nil {
		return err
	}

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

var errForkInTx = errors.New("cannot fork a session inside a transaction")

// Fork gives a concurrent reader its own tenant connection. Without a tenant
// connection on ctx the pool already serves callers independently and ctx is
// returned as is. A transaction cannot be shared, so forking inside one fails.
func (t *Transactor) Fork(ctx context.Context) (context.Context, func(), error) {
	if TxFromContext(ctx) != nil {
		return ctx, nil, errForkInTx
	}
	if ConnFromContext(ctx) == nil {
		return ctx, func() {}, nil
	}
	if t.pool == nil {
		return ctx, nil, errNoConn
	}
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if tenant := TenantFromContext(ctx); tenant != "" {
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(tenant))); err != nil {
			conn.Release()
			return ctx, nil, fmt.Errorf("set search_path for %s: %w", tenant, err)
		}
	}
	return context.WithValue(ctx, DBConnKey, conn), conn.Release, nil
}
