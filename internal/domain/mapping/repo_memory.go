package mapping

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kamdental/extref/internal/domain/registry"
)

// CodeChecker reports whether a (type, code) pair was ever issued. The
// memory repository uses it to stand in for the registry foreign key.
type CodeChecker func(ctx context.Context, t registry.EntityType, code string) bool

type memoryRepo struct {
	mu     sync.RWMutex
	rows   map[Key]*ExternalMapping
	exists CodeChecker
	now    func() time.Time
}

// NewMemoryRepository returns a process-local Repository. exists may be nil,
// in which case any stable code is accepted.
func NewMemoryRepository(exists CodeChecker) Repository {
	return &memoryRepo{rows: make(map[Key]*ExternalMapping), exists: exists, now: time.Now}
}

// RegistryChecker adapts a registry repository into a CodeChecker.
func RegistryChecker(repo registry.Repository) CodeChecker {
	return func(ctx context.Context, t registry.EntityType, code string) bool {
		_, err := repo.GetByCode(ctx, t, code)
		return err == nil
	}
}

func (r *memoryRepo) Upsert(ctx context.Context, m *ExternalMapping) error {
	if r.exists != nil && !r.exists(ctx, m.EntityType, m.StableCode) {
		return ErrBindTargetNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	k := m.Key()
	if cur, ok := r.rows[k]; ok {
		m.ID = cur.ID
		m.CreatedAt = cur.CreatedAt
	} else {
		m.ID = uuid.New()
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Unresolved = false
	m.UnresolvedReason = nil
	m.DecommissionedAt = nil
	cp := *m
	r.rows[k] = &cp
	return nil
}

func (r *memoryRepo) GetByKey(_ context.Context, k Key) (*ExternalMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rows[k]
	if !ok || m.DecommissionedAt != nil {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memoryRepo) find(id uuid.UUID) *ExternalMapping {
	for _, m := range r.rows {
		if m.ID == id && m.DecommissionedAt == nil {
			return m
		}
	}
	return nil
}

func (r *memoryRepo) ListBatch(_ context.Context, systemName string, after uuid.UUID, limit int) ([]*ExternalMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cursor := after.String()
	var out []*ExternalMapping
	for _, m := range r.rows {
		if m.DecommissionedAt != nil || m.ID.String() <= cursor {
			continue
		}
		if systemName != "" && m.SystemName != systemName {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) MarkVerified(_ context.Context, id uuid.UUID, stableCode, internalID string, verifiedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.find(id)
	if m == nil || m.StableCode != stableCode {
		return ErrConcurrentChange
	}
	m.InternalID = internalID
	m.LastVerifiedAt = verifiedAt
	m.Unresolved = false
	m.UnresolvedReason = nil
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *memoryRepo) MarkUnresolved(_ context.Context, id uuid.UUID, stableCode, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.find(id)
	if m == nil || m.StableCode != stableCode {
		return ErrConcurrentChange
	}
	m.Unresolved = true
	m.UnresolvedReason = &reason
	m.UpdatedAt = r.now().UTC()
	return nil
}

func (r *memoryRepo) Decommission(_ context.Context, k Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[k]
	if !ok || m.DecommissionedAt != nil {
		return ErrNotFound
	}
	now := r.now().UTC()
	m.DecommissionedAt = &now
	m.UpdatedAt = now
	return nil
}

func (r *memoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*ExternalMapping, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ExternalMapping
	for _, m := range r.rows {
		switch {
		case m.DecommissionedAt != nil,
			f.SystemName != "" && m.SystemName != f.SystemName,
			f.EntityType != "" && m.EntityType != f.EntityType,
			f.StableCode != "" && m.StableCode != f.StableCode,
			f.UnresolvedOnly && !m.Unresolved:
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SystemName != b.SystemName {
			return a.SystemName < b.SystemName
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.ExternalID < b.ExternalID
	})
	total := len(out)
	if offset >= total {
		return []*ExternalMapping{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}
