package detection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/db"
)

type repoSQLite struct {
	db *sql.DB
}

// NewSQLiteRepo returns a Repository over a store opened with db.OpenSQLite.
// Examples are stored as a JSON array.
func NewSQLiteRepo(conn *sql.DB) Repository {
	return &repoSQLite{db: conn}
}

func (r *repoSQLite) Deploy(ctx context.Context, s *PatternSet, activate bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if activate {
		if _, err := tx.ExecContext(ctx, `UPDATE detection_pattern_set SET active = 0 WHERE active = 1`); err != nil {
			return fmt.Errorf("deactivate pattern sets: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO detection_pattern_set (version, active, deployed_at) VALUES (?, ?, ?)`,
		s.Version(), activate, db.FormatTime(time.Now()))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrVersionExists, s.Version())
		}
		return fmt.Errorf("insert pattern set: %w", err)
	}

	for _, p := range s.declared() {
		examples, err := json.Marshal(nonNil(p.Examples))
		if err != nil {
			return fmt.Errorf("encode examples: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO detection_pattern (id, set_version, entity_type, entity_stable_code,
				pattern, priority, declaration_order, examples)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), s.Version(), string(p.EntityType), p.EntityStableCode,
			p.Pattern, p.Priority, p.DeclarationOrder, string(examples))
		if err != nil {
			return fmt.Errorf("insert pattern %d: %w", p.DeclarationOrder, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *repoSQLite) Activate(ctx context.Context, version string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `UPDATE detection_pattern_set SET active = 1 WHERE version = ?`, version)
	if err != nil {
		return fmt.Errorf("activate pattern set: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrVersionUnknown, version)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE detection_pattern_set SET active = 0 WHERE version <> ?`, version); err != nil {
		return fmt.Errorf("deactivate pattern sets: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *repoSQLite) LoadActive(ctx context.Context) (*PatternSet, error) {
	var version string
	err := r.db.QueryRowContext(ctx, `SELECT version FROM detection_pattern_set WHERE active = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveSet
	}
	if err != nil {
		return nil, fmt.Errorf("get active pattern set: %w", err)
	}
	return r.Load(ctx, version)
}

func (r *repoSQLite) Load(ctx context.Context, version string) (*PatternSet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_stable_code, pattern, priority, declaration_order, examples
		FROM detection_pattern WHERE set_version = ?
		ORDER BY declaration_order`, version)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	defer rows.Close()

	var patterns []DetectionPattern
	for rows.Next() {
		var p DetectionPattern
		var id, t, examples string
		if err := rows.Scan(&id, &t, &p.EntityStableCode, &p.Pattern, &p.Priority,
			&p.DeclarationOrder, &examples); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse pattern id: %w", err)
		}
		if err := json.Unmarshal([]byte(examples), &p.Examples); err != nil {
			return nil, fmt.Errorf("decode examples: %w", err)
		}
		p.EntityType = registry.EntityType(t)
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVersionUnknown, version)
	}
	return NewPatternSet(version, patterns)
}

func (r *repoSQLite) ListVersions(ctx context.Context) ([]SetVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.version, s.active, s.deployed_at, COUNT(p.id)
		FROM detection_pattern_set s
		LEFT JOIN detection_pattern p ON p.set_version = s.version
		GROUP BY s.version, s.active, s.deployed_at
		ORDER BY s.deployed_at DESC, s.version DESC`)
	if err != nil {
		return nil, fmt.Errorf("list pattern sets: %w", err)
	}
	defer rows.Close()

	var out []SetVersion
	for rows.Next() {
		var v SetVersion
		var deployed string
		if err := rows.Scan(&v.Version, &v.Active, &deployed, &v.Patterns); err != nil {
			return nil, fmt.Errorf("scan pattern set: %w", err)
		}
		if v.DeployedAt, err = db.ParseTime(deployed); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
