// Package postgres provides PostgreSQL database adapters.
//
// It implements the repository ports for projects, scan jobs, scan results,
// failed commits, instance locks, and webhook events. Every write that takes
// part in the job state machine is a single conditional statement so that
// concurrent workers cannot double-apply a transition.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}
