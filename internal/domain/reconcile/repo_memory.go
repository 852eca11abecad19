package reconcile

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Summary
}

func NewMemoryRepository() RunRepository {
	return &memoryRepo{runs: make(map[uuid.UUID]*Summary)}
}

func clone(s *Summary) *Summary {
	cp := *s
	cp.RegistryMissing = append([]string{}, s.RegistryMissing...)
	cp.UnresolvedRows = append([]UnresolvedRow{}, s.UnresolvedRows...)
	return &cp
}

func (r *memoryRepo) Create(_ context.Context, s *Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[s.RunID] = clone(s)
	return nil
}

func (r *memoryRepo) Finish(_ context.Context, s *Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[s.RunID]; !ok {
		return ErrRunNotFound
	}
	r.runs[s.RunID] = clone(s)
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return clone(s), nil
}

func (r *memoryRepo) List(_ context.Context, limit, offset int) ([]*Summary, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Summary, 0, len(r.runs))
	for _, s := range r.runs {
		all = append(all, clone(s))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].RunID.String() < all[j].RunID.String()
	})
	total := len(all)
	if offset >= total {
		return []*Summary{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
