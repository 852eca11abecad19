package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu   sync.RWMutex
	rows map[Cursor]*StableEntity
	now  func() time.Time
}

// NewMemoryRepository returns a process-local Repository used by tests and
// the resilience harness. It enforces the same append-only rules as the
// SQL schemas.
func NewMemoryRepository() Repository {
	return &memoryRepo{rows: make(map[Cursor]*StableEntity), now: time.Now}
}

func key(t EntityType, code string) Cursor {
	return Cursor{EntityType: t, StableCode: code}
}

func (r *memoryRepo) Create(_ context.Context, e *StableEntity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(e.EntityType, e.StableCode)
	if _, ok := r.rows[k]; ok {
		return fmt.Errorf("%w: %s %s", ErrCodeTaken, e.EntityType, e.StableCode)
	}
	e.ID = uuid.New()
	e.CreatedAt = r.now().UTC()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	r.rows[k] = &cp
	return nil
}

func (r *memoryRepo) GetByCode(_ context.Context, t EntityType, code string) (*StableEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rows[key(t, code)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memoryRepo) GetLiveByInternalID(_ context.Context, t EntityType, internalID string) (*StableEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *StableEntity
	for _, e := range r.rows {
		if e.EntityType != t || e.CurrentInternalID != internalID || !e.Live() {
			continue
		}
		if found == nil || e.StableCode < found.StableCode {
			found = e
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *memoryRepo) UpdateInternalID(_ context.Context, t EntityType, code, internalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[key(t, code)]
	if !ok || !e.Live() {
		return ErrNotFound
	}
	e.CurrentInternalID = internalID
	e.UpdatedAt = r.now().UTC()
	return nil
}

func (r *memoryRepo) Decommission(_ context.Context, t EntityType, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[key(t, code)]
	if !ok || !e.Live() {
		return ErrNotFound
	}
	now := r.now().UTC()
	e.DecommissionedAt = &now
	e.UpdatedAt = now
	return nil
}

func (r *memoryRepo) sorted(keep func(*StableEntity) bool) []*StableEntity {
	var out []*StableEntity
	for _, e := range r.rows {
		if keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].StableCode < out[j].StableCode
	})
	return out
}

func (r *memoryRepo) ListLive(_ context.Context, after Cursor, limit int) ([]*StableEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := r.sorted(func(e *StableEntity) bool { return e.Live() && after.After(e) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *memoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*StableEntity, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := r.sorted(func(e *StableEntity) bool {
		if f.EntityType != "" && e.EntityType != f.EntityType {
			return false
		}
		return f.IncludeDecommissioned || e.Live()
	})
	total := len(items)
	if offset >= total {
		return []*StableEntity{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}
