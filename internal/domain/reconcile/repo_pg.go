package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kamdental/extref/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) RunRepository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const runCols = `id, system_name, status, started_at, finished_at, scanned, repaired, unchanged,
	unresolved, failed, skipped, registry_repaired, registry_missing, unresolved_rows, error`

func (r *repoPG) Create(ctx context.Context, s *Summary) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reconcile_run (id, system_name, status, started_at)
		VALUES ($1, $2, $3, $4)`,
		s.RunID, nullIfEmpty(s.SystemName), string(s.Status), s.StartedAt)
	if err != nil {
		return fmt.Errorf("create reconcile run: %w", err)
	}
	return nil
}

func (r *repoPG) Finish(ctx context.Context, s *Summary) error {
	missing, rows, err := encodeLists(s)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reconcile_run SET status = $2, finished_at = $3, scanned = $4, repaired = $5,
			unchanged = $6, unresolved = $7, failed = $8, skipped = $9, registry_repaired = $10,
			registry_missing = $11, unresolved_rows = $12, error = $13
		WHERE id = $1`,
		s.RunID, string(s.Status), s.FinishedAt, s.Scanned, s.Repaired,
		s.Unchanged, s.Unresolved, s.Failed, s.Skipped, s.RegistryRepaired,
		missing, rows, nullIfEmpty(s.Error))
	if err != nil {
		return fmt.Errorf("finish reconcile run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Summary, error) {
	s, err := scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM reconcile_run WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reconcile run: %w", err)
	}
	return s, nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Summary, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reconcile_run`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reconcile runs: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+runCols+` FROM reconcile_run
		ORDER BY started_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list reconcile runs: %w", err)
	}
	defer rows.Close()

	var items []*Summary
	for rows.Next() {
		s, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan reconcile run: %w", err)
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func scanRun(row pgx.Row) (*Summary, error) {
	var s Summary
	var system, errText *string
	var status string
	var missing, unresolved []byte
	err := row.Scan(&s.RunID, &system, &status, &s.StartedAt, &s.FinishedAt, &s.Scanned, &s.Repaired,
		&s.Unchanged, &s.Unresolved, &s.Failed, &s.Skipped, &s.RegistryRepaired, &missing, &unresolved, &errText)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	if system != nil {
		s.SystemName = *system
	}
	if errText != nil {
		s.Error = *errText
	}
	if err := decodeLists(&s, missing, unresolved); err != nil {
		return nil, err
	}
	return &s, nil
}

func encodeLists(s *Summary) (string, string, error) {
	missing := s.RegistryMissing
	if missing == nil {
		missing = []string{}
	}
	rows := s.UnresolvedRows
	if rows == nil {
		rows = []UnresolvedRow{}
	}
	m, err := json.Marshal(missing)
	if err != nil {
		return "", "", fmt.Errorf("encode registry_missing: %w", err)
	}
	u, err := json.Marshal(rows)
	if err != nil {
		return "", "", fmt.Errorf("encode unresolved_rows: %w", err)
	}
	return string(m), string(u), nil
}

func decodeLists(s *Summary, missing, unresolved []byte) error {
	if err := json.Unmarshal(missing, &s.RegistryMissing); err != nil {
		return fmt.Errorf("decode registry_missing: %w", err)
	}
	if err := json.Unmarshal(unresolved, &s.UnresolvedRows); err != nil {
		return fmt.Errorf("decode unresolved_rows: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
