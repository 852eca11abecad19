package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kamdental/extref/internal/platform/db"
)

type repoSQLite struct {
	db *sql.DB
}

func NewSQLiteRepo(conn *sql.DB) RunRepository {
	return &repoSQLite{db: conn}
}

func (r *repoSQLite) Create(ctx context.Context, s *Summary) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconcile_run (id, system_name, status, started_at)
		VALUES (?, ?, ?, ?)`,
		s.RunID.String(), nullIfEmpty(s.SystemName), string(s.Status), db.FormatTime(s.StartedAt))
	if err != nil {
		return fmt.Errorf("create reconcile run: %w", err)
	}
	return nil
}

func (r *repoSQLite) Finish(ctx context.Context, s *Summary) error {
	missing, rows, err := encodeLists(s)
	if err != nil {
		return err
	}
	var finished *string
	if s.FinishedAt != nil {
		f := db.FormatTime(*s.FinishedAt)
		finished = &f
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconcile_run SET status = ?, finished_at = ?, scanned = ?, repaired = ?,
			unchanged = ?, unresolved = ?, failed = ?, skipped = ?, registry_repaired = ?,
			registry_missing = ?, unresolved_rows = ?, error = ?
		WHERE id = ?`,
		string(s.Status), finished, s.Scanned, s.Repaired,
		s.Unchanged, s.Unresolved, s.Failed, s.Skipped, s.RegistryRepaired,
		missing, rows, nullIfEmpty(s.Error), s.RunID.String())
	if err != nil {
		return fmt.Errorf("finish reconcile run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *repoSQLite) Get(ctx context.Context, id uuid.UUID) (*Summary, error) {
	s, err := scanRunSQL(r.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM reconcile_run WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reconcile run: %w", err)
	}
	return s, nil
}

func (r *repoSQLite) List(ctx context.Context, limit, offset int) ([]*Summary, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconcile_run`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reconcile runs: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+runCols+` FROM reconcile_run
		ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list reconcile runs: %w", err)
	}
	defer rows.Close()

	var items []*Summary
	for rows.Next() {
		s, err := scanRunSQL(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan reconcile run: %w", err)
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRunSQL(row rowScanner) (*Summary, error) {
	var s Summary
	var id, status, started, missing, unresolved string
	var system, finished, errText sql.NullString
	err := row.Scan(&id, &system, &status, &started, &finished, &s.Scanned, &s.Repaired,
		&s.Unchanged, &s.Unresolved, &s.Failed, &s.Skipped, &s.RegistryRepaired, &missing, &unresolved, &errText)
	if err != nil {
		return nil, err
	}
	if s.RunID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	s.Status = Status(status)
	s.SystemName = system.String
	s.Error = errText.String
	if s.StartedAt, err = db.ParseTime(started); err != nil {
		return nil, err
	}
	if s.FinishedAt, err = db.ParseNullTime(finished); err != nil {
		return nil, err
	}
	if err := decodeLists(&s, []byte(missing), []byte(unresolved)); err != nil {
		return nil, err
	}
	return &s, nil
}
