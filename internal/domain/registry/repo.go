package registry

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists stable entities. Rows are never deleted; GetByCode
// returns decommissioned rows too so callers can tell "never issued" from
// "retired".
type Repository interface {
	// Create inserts e, filling ID and timestamps. ErrCodeTaken when the
	// (entity_type, stable_code) pair was ever issued.
	Create(ctx context.Context, e *StableEntity) error
	GetByCode(ctx context.Context, t EntityType, code string) (*StableEntity, error)
	// GetLiveByInternalID returns the live entity currently bound to id.
	GetLiveByInternalID(ctx context.Context, t EntityType, internalID string) (*StableEntity, error)
	// UpdateInternalID rewrites the live row's current id. ErrNotFound when no live row exists.
	UpdateInternalID(ctx context.Context, t EntityType, code, internalID string) error
	Decommission(ctx context.Context, t EntityType, code string) error
	// ListLive pages live entities ordered by (entity_type, stable_code) after cur.
	ListLive(ctx context.Context, after Cursor, limit int) ([]*StableEntity, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*StableEntity, int, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
