package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kamdental/extref/internal/platform/db"
)

type repoSQLite struct {
	db *sql.DB
}

// NewSQLiteRepo returns a Repository over a store opened with db.OpenSQLite.
func NewSQLiteRepo(conn *sql.DB) Repository {
	return &repoSQLite{db: conn}
}

func (r *repoSQLite) Create(ctx context.Context, e *StableEntity) error {
	e.ID = uuid.New()
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stable_entity (id, entity_type, stable_code, current_internal_id, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), string(e.EntityType), e.StableCode, e.CurrentInternalID, nullString(e.DisplayName),
		db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", ErrCodeTaken, e.EntityType, e.StableCode)
		}
		return fmt.Errorf("create stable entity: %w", err)
	}
	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

func (r *repoSQLite) GetByCode(ctx context.Context, t EntityType, code string) (*StableEntity, error) {
	return r.getOne(ctx, `SELECT `+entityCols+` FROM stable_entity
		WHERE entity_type = ? AND stable_code = ?`, string(t), code)
}

func (r *repoSQLite) GetLiveByInternalID(ctx context.Context, t EntityType, internalID string) (*StableEntity, error) {
	return r.getOne(ctx, `SELECT `+entityCols+` FROM stable_entity
		WHERE entity_type = ? AND current_internal_id = ? AND decommissioned_at IS NULL
		ORDER BY stable_code LIMIT 1`, string(t), internalID)
}

func (r *repoSQLite) getOne(ctx context.Context, query string, args ...interface{}) (*StableEntity, error) {
	e, err := scanEntitySQL(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stable entity: %w", err)
	}
	return e, nil
}

func (r *repoSQLite) UpdateInternalID(ctx context.Context, t EntityType, code, internalID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE stable_entity SET current_internal_id = ?, updated_at = ?
		WHERE entity_type = ? AND stable_code = ? AND decommissioned_at IS NULL`,
		internalID, db.FormatTime(time.Now()), string(t), code)
	if err != nil {
		return fmt.Errorf("update internal id: %w", err)
	}
	return requireAffected(res)
}

func (r *repoSQLite) Decommission(ctx context.Context, t EntityType, code string) error {
	now := db.FormatTime(time.Now())
	res, err := r.db.ExecContext(ctx, `
		UPDATE stable_entity SET decommissioned_at = ?, updated_at = ?
		WHERE entity_type = ? AND stable_code = ? AND decommissioned_at IS NULL`,
		now, now, string(t), code)
	if err != nil {
		return fmt.Errorf("decommission stable entity: %w", err)
	}
	return requireAffected(res)
}

func (r *repoSQLite) ListLive(ctx context.Context, after Cursor, limit int) ([]*StableEntity, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entityCols+` FROM stable_entity
		WHERE decommissioned_at IS NULL AND (entity_type > ? OR (entity_type = ? AND stable_code > ?))
		ORDER BY entity_type, stable_code
		LIMIT ?`, string(after.EntityType), string(after.EntityType), after.StableCode, limit)
	if err != nil {
		return nil, fmt.Errorf("list live stable entities: %w", err)
	}
	defer rows.Close()
	return collectEntitiesSQL(rows)
}

func (r *repoSQLite) List(ctx context.Context, f ListFilter, limit, offset int) ([]*StableEntity, int, error) {
	where := `WHERE (? = '' OR entity_type = ?) AND (? OR decommissioned_at IS NULL)`
	args := []interface{}{string(f.EntityType), string(f.EntityType), f.IncludeDecommissioned}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stable_entity `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count stable entities: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+entityCols+` FROM stable_entity `+where+`
		ORDER BY entity_type, stable_code LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list stable entities: %w", err)
	}
	defer rows.Close()
	items, err := collectEntitiesSQL(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntitySQL(row rowScanner) (*StableEntity, error) {
	var (
		e                StableEntity
		entityType       string
		displayName      sql.NullString
		created, updated string
		decommissioned   sql.NullString
	)
	err := row.Scan(&e.ID, &entityType, &e.StableCode, &e.CurrentInternalID, &displayName,
		&created, &updated, &decommissioned)
	if err != nil {
		return nil, err
	}
	e.EntityType = EntityType(entityType)
	if displayName.Valid {
		e.DisplayName = &displayName.String
	}
	if e.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return nil, err
	}
	if e.DecommissionedAt, err = db.ParseNullTime(decommissioned); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntitiesSQL(rows *sql.Rows) ([]*StableEntity, error) {
	var items []*StableEntity
	for rows.Next() {
		e, err := scanEntitySQL(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stable entity: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
