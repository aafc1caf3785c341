package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var errNoConn = errors.New("no database connection in context")

// TxFromContext retrieves the open transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant connection stored in ctx and
// returns it together with a context that carries it. The transaction
// inherits the connection's search_path.
func WithTx(ctx context.Context) (pgx.Tx, context.Context, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return nil, ctx, errNoConn
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, ctx, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, context.WithValue(ctx, DBTxKey, tx), nil
}

// InTx runs fn inside its own transaction on the tenant connection. The
// transaction commits when fn returns nil and rolls back otherwise. A
// transaction already open in ctx is reused as a savepoint.
func InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer := TxFromContext(ctx); outer != nil {
		tx, err = outer.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin savepoint: %w", err)
		}
		ctx = context.WithValue(ctx, DBTxKey, tx)
	} else {
		tx, ctx, err = WithTx(ctx)
		if err != nil {
			return err
		}
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
