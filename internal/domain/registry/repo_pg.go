package registry

import (
	"context"
	"errors"
	"fmt"

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

const entityCols = `id, entity_type, stable_code, current_internal_id, display_name,
	created_at, updated_at, decommissioned_at`

func (r *repoPG) Create(ctx context.Context, e *StableEntity) error {
	e.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stable_entity (id, entity_type, stable_code, current_internal_id, display_name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		e.ID, e.EntityType, e.StableCode, e.CurrentInternalID, e.DisplayName,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s %s", ErrCodeTaken, e.EntityType, e.StableCode)
		}
		return fmt.Errorf("create stable entity: %w", err)
	}
	return nil
}

func (r *repoPG) GetByCode(ctx context.Context, t EntityType, code string) (*StableEntity, error) {
	return r.getOne(ctx, `SELECT `+entityCols+` FROM stable_entity
		WHERE entity_type = $1 AND stable_code = $2`, t, code)
}

func (r *repoPG) GetLiveByInternalID(ctx context.Context, t EntityType, internalID string) (*StableEntity, error) {
	return r.getOne(ctx, `SELECT `+entityCols+` FROM stable_entity
		WHERE entity_type = $1 AND current_internal_id = $2 AND decommissioned_at IS NULL
		ORDER BY stable_code LIMIT 1`, t, internalID)
}

func (r *repoPG) getOne(ctx context.Context, sql string, args ...interface{}) (*StableEntity, error) {
	e, err := scanEntity(r.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stable entity: %w", err)
	}
	return e, nil
}

func (r *repoPG) UpdateInternalID(ctx context.Context, t EntityType, code, internalID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE stable_entity SET current_internal_id = $3, updated_at = NOW()
		WHERE entity_type = $1 AND stable_code = $2 AND decommissioned_at IS NULL`,
		t, code, internalID)
	if err != nil {
		return fmt.Errorf("update internal id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Decommission(ctx context.Context, t EntityType, code string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE stable_entity SET decommissioned_at = NOW(), updated_at = NOW()
		WHERE entity_type = $1 AND stable_code = $2 AND decommissioned_at IS NULL`,
		t, code)
	if err != nil {
		return fmt.Errorf("decommission stable entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListLive(ctx context.Context, after Cursor, limit int) ([]*StableEntity, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entityCols+` FROM stable_entity
		WHERE decommissioned_at IS NULL AND (entity_type, stable_code) > ($1, $2)
		ORDER BY entity_type, stable_code
		LIMIT $3`, string(after.EntityType), after.StableCode, limit)
	if err != nil {
		return nil, fmt.Errorf("list live stable entities: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*StableEntity, int, error) {
	where := `WHERE ($1 = '' OR entity_type = $1) AND ($2 OR decommissioned_at IS NULL)`
	args := []interface{}{string(f.EntityType), f.IncludeDecommissioned}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM stable_entity `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count stable entities: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entityCols+` FROM stable_entity `+where+`
		ORDER BY entity_type, stable_code LIMIT $3 OFFSET $4`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list stable entities: %w", err)
	}
	defer rows.Close()
	items, err := collectEntities(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func scanEntity(row pgx.Row) (*StableEntity, error) {
	var e StableEntity
	err := row.Scan(&e.ID, &e.EntityType, &e.StableCode, &e.CurrentInternalID, &e.DisplayName,
		&e.CreatedAt, &e.UpdatedAt, &e.DecommissionedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntities(rows pgx.Rows) ([]*StableEntity, error) {
	var items []*StableEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stable entity: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
