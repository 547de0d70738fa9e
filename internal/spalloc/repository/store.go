// Package repository persists machines, boards, jobs and allocation requests
// in postgres. It is the single source of truth: all mutation of shared state
// happens inside short transactions here, and concurrent writers are
// serialised by the database.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/SpiNNakerManchester/spalloc-server/internal/common/serviceerrors"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/configuration"
)

var psql = goqu.Dialect("postgres")

// Store wraps a pgx connection pool with the transaction plumbing shared by
// all queries.
type Store struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

func NewStore(db *pgxpool.Pool, config configuration.PostgresConfig) *Store {
	return &Store{
		db:          db,
		lockTimeout: config.LockTimeout,
	}
}

// withTx runs action inside a transaction with the configured lock-wait
// timeout. Any error aborts the transaction wholesale; transient postgres
// conditions are translated to serviceerrors.ErrUnavailable so callers can
// distinguish them from data errors.
func (s *Store) withTx(ctx context.Context, action func(tx pgx.Tx) error) error {
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if s.lockTimeout > 0 {
			_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds()))
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return action(tx)
	})
	return translateStorageError(err)
}

func translateStorageError(err error) error {
	if err == nil {
		return nil
	}
	if serviceerrors.IsRetryableStorageError(err) {
		var pgErr *pgconn.PgError
		errors.As(err, &pgErr)
		return errors.WithStack(&serviceerrors.ErrUnavailable{Detail: pgErr.Message})
	}
	return err
}

// querier is satisfied by both pgx.Tx and *pgxpool.Pool.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
