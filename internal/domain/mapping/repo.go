package mapping

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists external mappings. Only Bind (through Upsert) and the
// reconciliation job (through MarkVerified/MarkUnresolved) write internal_id.
// Decommissioned rows are invisible to every read.
type Repository interface {
	// Upsert creates or replaces the row for m's key atomically, clearing any
	// unresolved flag and reviving a decommissioned key. ID and timestamps are
	// filled from the stored row.
	Upsert(ctx context.Context, m *ExternalMapping) error
	GetByKey(ctx context.Context, k Key) (*ExternalMapping, error)
	// ListBatch returns up to limit live rows with id greater than after,
	// ordered by id, optionally restricted to one system.
	ListBatch(ctx context.Context, systemName string, after uuid.UUID, limit int) ([]*ExternalMapping, error)
	// MarkVerified stores internalID and verifiedAt and clears the unresolved
	// flag, provided the row still carries stableCode. ErrConcurrentChange otherwise.
	MarkVerified(ctx context.Context, id uuid.UUID, stableCode, internalID string, verifiedAt time.Time) error
	// MarkUnresolved flags the row, leaving internal_id and last_verified_at untouched.
	MarkUnresolved(ctx context.Context, id uuid.UUID, stableCode, reason string) error
	Decommission(ctx context.Context, k Key) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*ExternalMapping, int, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
