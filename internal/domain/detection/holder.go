package detection

import (
	"context"
	"sync/atomic"
)

// LoadFunc produces the pattern set a Holder should serve.
type LoadFunc func(ctx context.Context) (*PatternSet, error)

// Holder publishes the current pattern set. Readers take a snapshot with
// Current and keep using it for the whole request; Reload swaps in a whole
// new set and never edits one in place.
type Holder struct {
	current atomic.Pointer[PatternSet]
	load    LoadFunc
}

func NewHolder(load LoadFunc) *Holder {
	return &Holder{load: load}
}

// Current returns the active set, or nil before the first successful load.
func (h *Holder) Current() *PatternSet {
	return h.current.Load()
}

func (h *Holder) Store(s *PatternSet) {
	h.current.Store(s)
}

// Reload fetches a fresh set. On error the previous set stays active.
func (h *Holder) Reload(ctx context.Context) (*PatternSet, error) {
	if h.load == nil {
		if s := h.Current(); s != nil {
			return s, nil
		}
		return nil, ErrNoActiveSet
	}
	s, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	h.current.Store(s)
	return s, nil
}
