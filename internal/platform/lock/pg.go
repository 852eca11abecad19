package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAdvisory uses session-level PostgreSQL advisory locks. The lease pins one
// pooled connection for its lifetime because advisory locks belong to the
// session that took them.
type PGAdvisory struct {
	pool *pgxpool.Pool
}

func NewPGAdvisory(pool *pgxpool.Pool) *PGAdvisory {
	return &PGAdvisory{pool: pool}
}

func (p *PGAdvisory) Obtain(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, ErrNotObtained
	}
	return &pgLease{conn: conn, key: key}, nil
}

type pgLease struct {
	conn *pgxpool.Conn
	key  string
}

// Refresh only checks that the pinned session is still alive; advisory locks
// do not expire.
func (l *pgLease) Refresh(ctx context.Context, _ time.Duration) error {
	return l.conn.Ping(ctx)
}

func (l *pgLease) Release(ctx context.Context) error {
	defer l.conn.Release()
	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, l.key); err != nil {
		return fmt.Errorf("advisory unlock %s: %w", l.key, err)
	}
	return nil
}
