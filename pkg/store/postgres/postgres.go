// Package postgres implements store.Store on PostgreSQL via pgx. All SQL is
// hand-written; the barrier critical sections run inside transactions with
// explicit row locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maestro-run/maestro/pkg/store"
)

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Runs() store.RunStore         { return &runStore{pool: s.pool} }
func (s *Store) Threads() store.ThreadStore   { return &threadStore{pool: s.pool} }
func (s *Store) Jobs() store.JobStore         { return &jobStore{pool: s.pool} }
func (s *Store) Barriers() store.BarrierStore { return &barrierStore{pool: s.pool} }
func (s *Store) Events() store.EventStore     { return &eventStore{pool: s.pool} }

// mapErr converts pgx sentinel errors to store sentinels.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// isLockNotAvailable reports whether err is PostgreSQL's "lock not available"
// (55P03), raised by FOR UPDATE NOWAIT on a contended row.
func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

// prefixed rewrites a comma-separated column list with a table alias prefix,
// for RETURNING clauses on aliased UPDATE ... FROM statements.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// inTx runs fn inside a transaction, committing on nil error.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
