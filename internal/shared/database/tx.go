package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meditrack/portal/internal/shared/errors"
)

// InTx runs fn inside a single transaction. The transaction is rolled back on
// any error or panic and committed otherwise, so a guarded write that affects
// zero rows can abort every related write by returning an error. Context
// cancellation aborts the in-flight transaction through pgx.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}
