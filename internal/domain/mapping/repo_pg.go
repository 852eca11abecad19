package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kamdental/extref/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const mappingCols = `id, system_name, external_id, entity_type, stable_code, internal_id,
	last_verified_at, unresolved, unresolved_reason, created_at, updated_at, decommissioned_at`

func (r *repoPG) Upsert(ctx context.Context, m *ExternalMapping) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO external_mapping (id, system_name, external_id, entity_type, stable_code, internal_id, last_verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (system_name, external_id, entity_type) DO UPDATE SET
			stable_code = EXCLUDED.stable_code,
			internal_id = EXCLUDED.internal_id,
			last_verified_at = EXCLUDED.last_verified_at,
			unresolved = FALSE,
			unresolved_reason = NULL,
			decommissioned_at = NULL,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		uuid.New(), m.SystemName, string(m.ExternalID), string(m.EntityType), m.StableCode, m.InternalID, m.LastVerifiedAt,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: %s %s", ErrBindTargetNotFound, m.EntityType, m.StableCode)
		}
		return fmt.Errorf("upsert mapping: %w", err)
	}
	m.Unresolved = false
	m.UnresolvedReason = nil
	m.DecommissionedAt = nil
	return nil
}

func (r *repoPG) GetByKey(ctx context.Context, k Key) (*ExternalMapping, error) {
	m, err := scanMapping(r.conn(ctx).QueryRow(ctx, `SELECT `+mappingCols+` FROM external_mapping
		WHERE system_name = $1 AND external_id = $2 AND entity_type = $3 AND decommissioned_at IS NULL`,
		k.SystemName, string(k.ExternalID), string(k.EntityType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return m, nil
}

func (r *repoPG) ListBatch(ctx context.Context, systemName string, after uuid.UUID, limit int) ([]*ExternalMapping, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+mappingCols+` FROM external_mapping
		WHERE decommissioned_at IS NULL AND id > $1 AND ($2 = '' OR system_name = $2)
		ORDER BY id
		LIMIT $3`, after, systemName, limit)
	if err != nil {
		return nil, fmt.Errorf("list mapping batch: %w", err)
	}
	defer rows.Close()
	return collectMappings(rows)
}

func (r *repoPG) MarkVerified(ctx context.Context, id uuid.UUID, stableCode, internalID string, verifiedAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE external_mapping SET internal_id = $3, last_verified_at = $4,
			unresolved = FALSE, unresolved_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND stable_code = $2 AND decommissioned_at IS NULL`,
		id, stableCode, internalID, verifiedAt)
	if err != nil {
		return fmt.Errorf("mark mapping verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentChange
	}
	return nil
}

func (r *repoPG) MarkUnresolved(ctx context.Context, id uuid.UUID, stableCode, reason string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE external_mapping SET unresolved = TRUE, unresolved_reason = $3, updated_at = NOW()
		WHERE id = $1 AND stable_code = $2 AND decommissioned_at IS NULL`,
		id, stableCode, reason)
	if err != nil {
		return fmt.Errorf("mark mapping unresolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentChange
	}
	return nil
}

func (r *repoPG) Decommission(ctx context.Context, k Key) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE external_mapping SET decommissioned_at = NOW(), updated_at = NOW()
		WHERE system_name = $1 AND external_id = $2 AND entity_type = $3 AND decommissioned_at IS NULL`,
		k.SystemName, string(k.ExternalID), string(k.EntityType))
	if err != nil {
		return fmt.Errorf("decommission mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*ExternalMapping, int, error) {
	where := `WHERE decommissioned_at IS NULL
		AND ($1 = '' OR system_name = $1)
		AND ($2 = '' OR entity_type = $2)
		AND ($3 = '' OR stable_code = $3)
		AND (NOT $4 OR unresolved)`
	args := []interface{}{f.SystemName, string(f.EntityType), f.StableCode, f.UnresolvedOnly}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM external_mapping `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count mappings: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+mappingCols+` FROM external_mapping `+where+`
		ORDER BY system_name, entity_type, external_id LIMIT $5 OFFSET $6`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()
	items, err := collectMappings(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func scanMapping(row pgx.Row) (*ExternalMapping, error) {
	var m ExternalMapping
	err := row.Scan(&m.ID, &m.SystemName, &m.ExternalID, &m.EntityType, &m.StableCode, &m.InternalID,
		&m.LastVerifiedAt, &m.Unresolved, &m.UnresolvedReason, &m.CreatedAt, &m.UpdatedAt, &m.DecommissionedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMappings(rows pgx.Rows) ([]*ExternalMapping, error) {
	var items []*ExternalMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
