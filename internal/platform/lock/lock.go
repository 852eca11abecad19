// Package lock provides the single-instance guarantee for batch jobs. A job
// obtains a Lease for a well-known key before it starts and releases it when
// it finishes; a second caller gets ErrNotObtained instead of waiting.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotObtained is returned when another holder owns the key.
var ErrNotObtained = errors.New("lock: not obtained")

// Locker hands out exclusive leases on string keys.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Refresh extends the lease for long-running holders;
// implementations without expiry treat it as a liveness check.
type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Local is an in-process Locker for single-node deployments (sqlite) and
// tests. Leases expire after their ttl so a crashed holder cannot wedge the key.
type Local struct {
	mu    sync.Mutex
	held  map[string]*localLease
	now   func() time.Time
	token uint64
}

func NewLocal() *Local {
	return &Local{held: make(map[string]*localLease), now: time.Now}
}

type localLease struct {
	owner   *Local
	key     string
	token   uint64
	expires time.Time
}

func (l *Local) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.held[key]; ok && l.now().Before(cur.expires) {
		return nil, ErrNotObtained
	}
	l.token++
	lease := &localLease{owner: l, key: key, token: l.token, expires: l.now().Add(ttl)}
	l.held[key] = lease
	return lease, nil
}

func (ll *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	l := ll.owner
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.held[ll.key]
	if !ok || cur.token != ll.token {
		return ErrNotObtained
	}
	cur.expires = l.now().Add(ttl)
	return nil
}

func (ll *localLease) Release(_ context.Context) error {
	l := ll.owner
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.held[ll.key]; ok && cur.token == ll.token {
		delete(l.held, ll.key)
	}
	return nil
}
