package detection

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository stores pattern sets as whole, immutable versions. At most one
// version is active at a time.
type Repository interface {
	// Deploy stores s under its version, activating it when activate is
	// set. ErrVersionExists when the version was deployed before.
	Deploy(ctx context.Context, s *PatternSet, activate bool) error
	// Activate makes an already deployed version the active one.
	Activate(ctx context.Context, version string) error
	// LoadActive returns the active set, or ErrNoActiveSet.
	LoadActive(ctx context.Context) (*PatternSet, error)
	Load(ctx context.Context, version string) (*PatternSet, error)
	// ListVersions returns deployed versions, newest first.
	ListVersions(ctx context.Context) ([]SetVersion, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
