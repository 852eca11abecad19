package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const maxCollisionAttempts = 100

type Service struct {
	repo   Repository
	source Source
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "registry").Logger()}
}

// WithSource makes AssignCode confirm an existing code against the primary
// store before handing it out. Between a reseed and the next reconciliation
// the registry can still carry a surrogate id that now belongs to another
// record; without a source that window is visible to callers.
func (s *Service) WithSource(src Source) *Service {
	s.source = src
	return s
}

// AssignRequest asks for a code for (EntityType, InternalID). Code, when
// set, is used verbatim after normalisation; otherwise one is generated from Name.
type AssignRequest struct {
	EntityType EntityType `json:"entity_type" validate:"required,entity_type"`
	InternalID string     `json:"internal_id" validate:"required,max=255"`
	Code       string     `json:"code,omitempty" validate:"omitempty,max=128"`
	Name       string     `json:"name,omitempty" validate:"omitempty,max=255"`
}

// AssignCode returns the live entity for (type, internal id), creating it
// when none exists. The bool reports whether a new code was issued.
func (s *Service) AssignCode(ctx context.Context, req AssignRequest) (*StableEntity, bool, error) {
	t, err := ParseEntityType(string(req.EntityType))
	if err != nil {
		return nil, false, err
	}
	internalID := strings.TrimSpace(req.InternalID)
	if internalID == "" {
		return nil, false, fmt.Errorf("%w: internal_id is required", ErrInvalidInput)
	}

	explicit := ""
	if req.Code != "" {
		explicit = NormalizeCode(req.Code)
		if !ValidCode(explicit) {
			return nil, false, fmt.Errorf("%w: %q", ErrInvalidCode, req.Code)
		}
	}

	existing, err := s.liveByInternalID(ctx, t, internalID)
	switch {
	case err == nil:
		if explicit != "" && explicit != existing.StableCode {
			return nil, false, fmt.Errorf("%w: %s %s is %s", ErrAlreadyAssigned, t, internalID, existing.StableCode)
		}
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	e := &StableEntity{EntityType: t, CurrentInternalID: internalID}
	if name := strings.TrimSpace(req.Name); name != "" {
		e.DisplayName = &name
	}

	if explicit != "" {
		e.StableCode = explicit
		if err := s.repo.Create(ctx, e); err != nil {
			return nil, false, err
		}
		s.logger.Info().Str("entity_type", string(t)).Str("stable_code", e.StableCode).
			Str("internal_id", internalID).Msg("stable code assigned")
		return e, true, nil
	}

	base := GenerateCode(t, req.Name)
	for n := 1; n <= maxCollisionAttempts; n++ {
		e.StableCode = withSuffix(base, n)
		err := s.repo.Create(ctx, e)
		if err == nil {
			s.logger.Info().Str("entity_type", string(t)).Str("stable_code", e.StableCode).
				Str("internal_id", internalID).Msg("stable code generated")
			return e, true, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("%w: no free code for base %s", ErrCodeTaken, base)
}

// liveByInternalID finds the live entity carrying internalID. With a source
// configured, candidates whose code the primary store now gives to another
// record (or to none) are repaired first and skipped.
func (s *Service) liveByInternalID(ctx context.Context, t EntityType, internalID string) (*StableEntity, error) {
	for n := 0; n < maxCollisionAttempts; n++ {
		e, err := s.repo.GetLiveByInternalID(ctx, t, internalID)
		if err != nil || s.source == nil {
			return e, err
		}
		id, err := s.source.LiveID(ctx, t, e.StableCode)
		switch {
		case err == nil && id == internalID:
			return e, nil
		case err == nil:
			err = s.repo.UpdateInternalID(ctx, t, e.StableCode, id)
		case errors.Is(err, ErrNotFound):
			err = s.repo.UpdateInternalID(ctx, t, e.StableCode, "")
		}
		if err != nil {
			return nil, err
		}
		s.logger.Warn().Str("entity_type", string(t)).Str("stable_code", e.StableCode).
			Str("stale_internal_id", internalID).Msg("stale registry id repaired during assignment")
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, t, internalID)
}

// CurrentID returns the live internal id for code. Missing, decommissioned
// and id-less entities all yield ErrNotFound; the returned id is never empty
// when err is nil.
func (s *Service) CurrentID(ctx context.Context, t EntityType, code string) (string, error) {
	e, err := s.Lookup(ctx, t, code)
	if err != nil {
		return "", err
	}
	if !e.Live() || e.CurrentInternalID == "" {
		return "", ErrNotFound
	}
	return e.CurrentInternalID, nil
}

// Lookup returns the entity for code whether or not it is decommissioned.
func (s *Service) Lookup(ctx context.Context, t EntityType, code string) (*StableEntity, error) {
	t, code, err := parseKey(t, code)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByCode(ctx, t, code)
}

// Decommission retires code permanently. The code is never issued again.
func (s *Service) Decommission(ctx context.Context, t EntityType, code string) error {
	t, code, err := parseKey(t, code)
	if err != nil {
		return err
	}
	if err := s.repo.Decommission(ctx, t, code); err != nil {
		return err
	}
	s.logger.Warn().Str("entity_type", string(t)).Str("stable_code", code).Msg("stable code decommissioned")
	return nil
}

// Rebind points a live code at a new internal id and returns the previous id.
func (s *Service) Rebind(ctx context.Context, t EntityType, code, internalID string) (string, error) {
	t, code, err := parseKey(t, code)
	if err != nil {
		return "", err
	}
	internalID = strings.TrimSpace(internalID)
	if internalID == "" {
		return "", fmt.Errorf("%w: internal_id is required", ErrInvalidInput)
	}
	e, err := s.repo.GetByCode(ctx, t, code)
	if err != nil {
		return "", err
	}
	if !e.Live() {
		return "", ErrNotFound
	}
	previous := e.CurrentInternalID
	if previous == internalID {
		return previous, nil
	}
	if err := s.repo.UpdateInternalID(ctx, t, code, internalID); err != nil {
		return "", err
	}
	s.logger.Info().Str("entity_type", string(t)).Str("stable_code", code).
		Str("old_internal_id", previous).Str("new_internal_id", internalID).Msg("stable code rebound")
	return previous, nil
}

// Detach clears the current id of a live code whose record is gone from the
// primary store and returns the id it carried. The code stays live, resolves
// to ErrNotFound until rebound, and is never reissued.
func (s *Service) Detach(ctx context.Context, t EntityType, code string) (string, error) {
	t, code, err := parseKey(t, code)
	if err != nil {
		return "", err
	}
	e, err := s.repo.GetByCode(ctx, t, code)
	if err != nil {
		return "", err
	}
	if !e.Live() {
		return "", ErrNotFound
	}
	if e.CurrentInternalID == "" {
		return "", nil
	}
	if err := s.repo.UpdateInternalID(ctx, t, code, ""); err != nil {
		return "", err
	}
	s.logger.Warn().Str("entity_type", string(t)).Str("stable_code", code).
		Str("old_internal_id", e.CurrentInternalID).Msg("stable code detached from deleted record")
	return e.CurrentInternalID, nil
}

func (s *Service) ListLive(ctx context.Context, after Cursor, limit int) ([]*StableEntity, error) {
	return s.repo.ListLive(ctx, after, limit)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*StableEntity, int, error) {
	if f.EntityType != "" {
		t, err := ParseEntityType(string(f.EntityType))
		if err != nil {
			return nil, 0, err
		}
		f.EntityType = t
	}
	return s.repo.List(ctx, f, limit, offset)
}

func parseKey(t EntityType, code string) (EntityType, string, error) {
	t, err := ParseEntityType(string(t))
	if err != nil {
		return "", "", err
	}
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return t, code, nil
}
