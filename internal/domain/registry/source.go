package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Source is the primary entity store: the authority on which surrogate id
// currently carries a stable code. The registry is refreshed from it after a
// reseed.
type Source interface {
	// LiveID returns the id of the non-deleted record carrying code, or ErrNotFound.
	LiveID(ctx context.Context, t EntityType, code string) (string, error)
}

// TableSpec describes where one entity type lives in the primary store.
type TableSpec struct {
	Table         string
	IDColumn      string
	CodeColumn    string
	DeletedColumn string
}

// ParseTableSpec parses "table:id_column:code_column[:deleted_column]".
// Table may be schema qualified.
func ParseTableSpec(s string) (TableSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return TableSpec{}, fmt.Errorf("table spec %q: want table:id_column:code_column[:deleted_column]", s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return TableSpec{}, fmt.Errorf("table spec %q: empty component", s)
		}
	}
	spec := TableSpec{Table: parts[0], IDColumn: parts[1], CodeColumn: parts[2]}
	if len(parts) == 4 {
		spec.DeletedColumn = parts[3]
	}
	return spec, nil
}

func (s TableSpec) query() string {
	table := pgx.Identifier(strings.Split(s.Table, ".")).Sanitize()
	q := fmt.Sprintf("SELECT %s::text FROM %s WHERE %s = $1",
		pgx.Identifier{s.IDColumn}.Sanitize(), table, pgx.Identifier{s.CodeColumn}.Sanitize())
	if s.DeletedColumn != "" {
		q += fmt.Sprintf(" AND %s IS NULL", pgx.Identifier{s.DeletedColumn}.Sanitize())
	}
	return q + " LIMIT 2"
}

// PGSource reads live ids from business tables in the primary Postgres store.
type PGSource struct {
	pool   *pgxpool.Pool
	tables map[EntityType]TableSpec
}

// NewPGSource builds a source from raw table specs keyed by entity type name.
func NewPGSource(pool *pgxpool.Pool, specs map[string]string) (*PGSource, error) {
	tables := make(map[EntityType]TableSpec, len(specs))
	for name, raw := range specs {
		t, err := ParseEntityType(name)
		if err != nil {
			return nil, err
		}
		spec, err := ParseTableSpec(raw)
		if err != nil {
			return nil, err
		}
		tables[t] = spec
	}
	return &PGSource{pool: pool, tables: tables}, nil
}

func (s *PGSource) LiveID(ctx context.Context, t EntityType, code string) (string, error) {
	spec, ok := s.tables[t]
	if !ok {
		return "", fmt.Errorf("no source table configured for %s", t)
	}
	rows, err := s.pool.Query(ctx, spec.query(), code)
	if err != nil {
		return "", fmt.Errorf("source lookup %s %s: %w", t, code, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", fmt.Errorf("source lookup %s %s: %w", t, code, err)
	}
	switch len(ids) {
	case 0:
		return "", ErrNotFound
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("source lookup %s %s: code carried by more than one live record", t, code)
	}
}

// MemorySource is an in-process primary store. The harness uses it to
// simulate reseeds.
type MemorySource struct {
	mu  sync.RWMutex
	ids map[Cursor]string
}

func NewMemorySource() *MemorySource {
	return &MemorySource{ids: make(map[Cursor]string)}
}

func (s *MemorySource) Set(t EntityType, code, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[key(t, code)] = id
}

// Delete removes the record carrying code, as a hard delete in the primary store would.
func (s *MemorySource) Delete(t EntityType, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, key(t, code))
}

func (s *MemorySource) LiveID(_ context.Context, t EntityType, code string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[key(t, code)]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// Reseed assigns every record a new id from next, visiting records in
// (entity_type, stable_code) order, and returns the number of records
// rewritten.
func (s *MemorySource) Reseed(next func(t EntityType, code, old string) string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Cursor, 0, len(s.ids))
	for k := range s.ids {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EntityType != keys[j].EntityType {
			return keys[i].EntityType < keys[j].EntityType
		}
		return keys[i].StableCode < keys[j].StableCode
	})
	for _, k := range keys {
		s.ids[k] = next(k.EntityType, k.StableCode, s.ids[k])
	}
	return len(keys)
}
