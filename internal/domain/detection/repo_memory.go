package detection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memorySet struct {
	set        *PatternSet
	deployedAt time.Time
	seq        int
}

type memoryRepo struct {
	mu     sync.RWMutex
	sets   map[string]*memorySet
	active string
	seq    int
	now    func() time.Time
}

func NewMemoryRepository() Repository {
	return &memoryRepo{sets: make(map[string]*memorySet), now: time.Now}
}

func (r *memoryRepo) Deploy(_ context.Context, s *PatternSet, activate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[s.Version()]; ok {
		return fmt.Errorf("%w: %s", ErrVersionExists, s.Version())
	}
	patterns := s.declared()
	for i := range patterns {
		patterns[i].ID = uuid.New()
	}
	stored, err := NewPatternSet(s.Version(), patterns)
	if err != nil {
		return err
	}
	r.seq++
	r.sets[s.Version()] = &memorySet{set: stored, deployedAt: r.now().UTC(), seq: r.seq}
	if activate {
		r.active = s.Version()
	}
	return nil
}

func (r *memoryRepo) Activate(_ context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[version]; !ok {
		return fmt.Errorf("%w: %s", ErrVersionUnknown, version)
	}
	r.active = version
	return nil
}

func (r *memoryRepo) LoadActive(ctx context.Context) (*PatternSet, error) {
	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()
	if active == "" {
		return nil, ErrNoActiveSet
	}
	return r.Load(ctx, active)
}

// Load returns the stored set itself; sets are immutable.
func (r *memoryRepo) Load(_ context.Context, version string) (*PatternSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sets[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionUnknown, version)
	}
	return s.set, nil
}

func (r *memoryRepo) ListVersions(_ context.Context) ([]SetVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sets := make([]*memorySet, 0, len(r.sets))
	for _, s := range r.sets {
		sets = append(sets, s)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].seq > sets[j].seq })

	out := make([]SetVersion, 0, len(sets))
	for _, s := range sets {
		out = append(out, SetVersion{
			Version:    s.set.Version(),
			Active:     s.set.Version() == r.active,
			DeployedAt: s.deployedAt,
			Patterns:   s.set.Len(),
		})
	}
	return out, nil
}
