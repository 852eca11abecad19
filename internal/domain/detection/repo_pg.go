package detection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kamdental/extref/internal/domain/registry"
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

func (r *repoPG) Deploy(ctx context.Context, s *PatternSet, activate bool) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if activate {
			if _, err := q.Exec(ctx, `UPDATE detection_pattern_set SET active = FALSE WHERE active`); err != nil {
				return fmt.Errorf("deactivate pattern sets: %w", err)
			}
		}
		_, err := q.Exec(ctx, `INSERT INTO detection_pattern_set (version, active) VALUES ($1, $2)`,
			s.Version(), activate)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrVersionExists, s.Version())
			}
			return fmt.Errorf("insert pattern set: %w", err)
		}

		for _, p := range s.declared() {
			examples := p.Examples
			if examples == nil {
				examples = []string{}
			}
			_, err := q.Exec(ctx, `
				INSERT INTO detection_pattern (id, set_version, entity_type, entity_stable_code,
					pattern, priority, declaration_order, examples)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				uuid.New(), s.Version(), string(p.EntityType), p.EntityStableCode,
				p.Pattern, p.Priority, p.DeclarationOrder, examples)
			if err != nil {
				return fmt.Errorf("insert pattern %d: %w", p.DeclarationOrder, err)
			}
		}
		return nil
	})
}

func (r *repoPG) Activate(ctx context.Context, version string) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM detection_pattern_set WHERE version = $1)`,
			version).Scan(&exists); err != nil {
			return fmt.Errorf("check pattern set: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrVersionUnknown, version)
		}
		if _, err := q.Exec(ctx, `UPDATE detection_pattern_set SET active = FALSE WHERE active AND version <> $1`, version); err != nil {
			return fmt.Errorf("deactivate pattern sets: %w", err)
		}
		if _, err := q.Exec(ctx, `UPDATE detection_pattern_set SET active = TRUE WHERE version = $1`, version); err != nil {
			return fmt.Errorf("activate pattern set: %w", err)
		}
		return nil
	})
}

func (r *repoPG) LoadActive(ctx context.Context) (*PatternSet, error) {
	var version string
	err := r.conn(ctx).QueryRow(ctx, `SELECT version FROM detection_pattern_set WHERE active`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveSet
	}
	if err != nil {
		return nil, fmt.Errorf("get active pattern set: %w", err)
	}
	return r.Load(ctx, version)
}

func (r *repoPG) Load(ctx context.Context, version string) (*PatternSet, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, entity_type, entity_stable_code, pattern, priority, declaration_order, examples
		FROM detection_pattern WHERE set_version = $1
		ORDER BY declaration_order`, version)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	defer rows.Close()

	var patterns []DetectionPattern
	for rows.Next() {
		var p DetectionPattern
		var t string
		if err := rows.Scan(&p.ID, &t, &p.EntityStableCode, &p.Pattern, &p.Priority,
			&p.DeclarationOrder, &p.Examples); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
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

func (r *repoPG) ListVersions(ctx context.Context) ([]SetVersion, error) {
	rows, err := r.conn(ctx).Query(ctx, `
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
		if err := rows.Scan(&v.Version, &v.Active, &v.DeployedAt, &v.Patterns); err != nil {
			return nil, fmt.Errorf("scan pattern set: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
