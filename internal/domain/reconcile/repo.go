package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RunRepository keeps the history of reconciliation runs.
type RunRepository interface {
	// Create records a run as it starts.
	Create(ctx context.Context, s *Summary) error
	// Finish stores the final counts and status.
	Finish(ctx context.Context, s *Summary) error
	Get(ctx context.Context, id uuid.UUID) (*Summary, error)
	// List returns runs newest first.
	List(ctx context.Context, limit, offset int) ([]*Summary, int, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
