package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/db"
)

type repoSQLite struct {
	db *sql.DB
}

func NewSQLiteRepo(conn *sql.DB) Repository {
	return &repoSQLite{db: conn}
}

func (r *repoSQLite) Upsert(ctx context.Context, m *ExternalMapping) error {
	now := db.FormatTime(time.Now())
	var id, created, updated string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO external_mapping (id, system_name, external_id, entity_type, stable_code, internal_id,
			last_verified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (system_name, external_id, entity_type) DO UPDATE SET
			stable_code = excluded.stable_code,
			internal_id = excluded.internal_id,
			last_verified_at = excluded.last_verified_at,
			unresolved = 0,
			unresolved_reason = NULL,
			decommissioned_at = NULL,
			updated_at = excluded.updated_at
		RETURNING id, created_at, updated_at`,
		uuid.NewString(), m.SystemName, string(m.ExternalID), string(m.EntityType), m.StableCode, m.InternalID,
		db.FormatTime(m.LastVerifiedAt), now, now,
	).Scan(&id, &created, &updated)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("%w: %s %s", ErrBindTargetNotFound, m.EntityType, m.StableCode)
		}
		return fmt.Errorf("upsert mapping: %w", err)
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	if m.CreatedAt, err = db.ParseTime(created); err != nil {
		return err
	}
	if m.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return err
	}
	m.Unresolved = false
	m.UnresolvedReason = nil
	m.DecommissionedAt = nil
	return nil
}

func (r *repoSQLite) GetByKey(ctx context.Context, k Key) (*ExternalMapping, error) {
	m, err := scanMappingSQL(r.db.QueryRowContext(ctx, `SELECT `+mappingCols+` FROM external_mapping
		WHERE system_name = ? AND external_id = ? AND entity_type = ? AND decommissioned_at IS NULL`,
		k.SystemName, string(k.ExternalID), string(k.EntityType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return m, nil
}

func (r *repoSQLite) ListBatch(ctx context.Context, systemName string, after uuid.UUID, limit int) ([]*ExternalMapping, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+mappingCols+` FROM external_mapping
		WHERE decommissioned_at IS NULL AND id > ? AND (? = '' OR system_name = ?)
		ORDER BY id
		LIMIT ?`, after.String(), systemName, systemName, limit)
	if err != nil {
		return nil, fmt.Errorf("list mapping batch: %w", err)
	}
	defer rows.Close()
	return collectMappingsSQL(rows)
}

func (r *repoSQLite) MarkVerified(ctx context.Context, id uuid.UUID, stableCode, internalID string, verifiedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE external_mapping SET internal_id = ?, last_verified_at = ?,
			unresolved = 0, unresolved_reason = NULL, updated_at = ?
		WHERE id = ? AND stable_code = ? AND decommissioned_at IS NULL`,
		internalID, db.FormatTime(verifiedAt), db.FormatTime(time.Now()), id.String(), stableCode)
	if err != nil {
		return fmt.Errorf("mark mapping verified: %w", err)
	}
	return requireAffected(res, ErrConcurrentChange)
}

func (r *repoSQLite) MarkUnresolved(ctx context.Context, id uuid.UUID, stableCode, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE external_mapping SET unresolved = 1, unresolved_reason = ?, updated_at = ?
		WHERE id = ? AND stable_code = ? AND decommissioned_at IS NULL`,
		reason, db.FormatTime(time.Now()), id.String(), stableCode)
	if err != nil {
		return fmt.Errorf("mark mapping unresolved: %w", err)
	}
	return requireAffected(res, ErrConcurrentChange)
}

func (r *repoSQLite) Decommission(ctx context.Context, k Key) error {
	now := db.FormatTime(time.Now())
	res, err := r.db.ExecContext(ctx, `
		UPDATE external_mapping SET decommissioned_at = ?, updated_at = ?
		WHERE system_name = ? AND external_id = ? AND entity_type = ? AND decommissioned_at IS NULL`,
		now, now, k.SystemName, string(k.ExternalID), string(k.EntityType))
	if err != nil {
		return fmt.Errorf("decommission mapping: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}

func (r *repoSQLite) List(ctx context.Context, f ListFilter, limit, offset int) ([]*ExternalMapping, int, error) {
	where := `WHERE decommissioned_at IS NULL
		AND (? = '' OR system_name = ?)
		AND (? = '' OR entity_type = ?)
		AND (? = '' OR stable_code = ?)
		AND (? = 0 OR unresolved = 1)`
	args := []interface{}{
		f.SystemName, f.SystemName,
		string(f.EntityType), string(f.EntityType),
		f.StableCode, f.StableCode,
		f.UnresolvedOnly,
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM external_mapping `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count mappings: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+mappingCols+` FROM external_mapping `+where+`
		ORDER BY system_name, entity_type, external_id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()
	items, err := collectMappingsSQL(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMappingSQL(row rowScanner) (*ExternalMapping, error) {
	var (
		m                          ExternalMapping
		externalID, entityType     string
		verified, created, updated string
		reason, decommissioned     sql.NullString
	)
	err := row.Scan(&m.ID, &m.SystemName, &externalID, &entityType, &m.StableCode, &m.InternalID,
		&verified, &m.Unresolved, &reason, &created, &updated, &decommissioned)
	if err != nil {
		return nil, err
	}
	m.ExternalID = ExternalID(externalID)
	m.EntityType = registry.EntityType(entityType)
	if reason.Valid {
		m.UnresolvedReason = &reason.String
	}
	if m.LastVerifiedAt, err = db.ParseTime(verified); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return nil, err
	}
	if m.DecommissionedAt, err = db.ParseNullTime(decommissioned); err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMappingsSQL(rows *sql.Rows) ([]*ExternalMapping, error) {
	var items []*ExternalMapping
	for rows.Next() {
		m, err := scanMappingSQL(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func requireAffected(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}
