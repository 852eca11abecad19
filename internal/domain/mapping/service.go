package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/telemetry"
)

// CodeResolver is the registry's read contract. *registry.Service satisfies it.
type CodeResolver interface {
	CurrentID(ctx context.Context, t registry.EntityType, code string) (string, error)
}

type Service struct {
	repo    Repository
	codes   CodeResolver
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(repo Repository, codes CodeResolver, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		codes:   codes,
		metrics: metrics,
		logger:  logger.With().Str("component", "mapping").Logger(),
		now:     time.Now,
	}
}

// ResolveByCode asks the registry for code's live internal id. It is the
// path the reconciliation job and detection use.
func (s *Service) ResolveByCode(ctx context.Context, t registry.EntityType, code string) (string, error) {
	id, err := s.codes.CurrentID(ctx, t, code)
	s.metrics.Resolution("code", outcome(err))
	return id, err
}

// ResolveByExternalRef returns the cached internal id for k without
// re-verifying it against the registry.
func (s *Service) ResolveByExternalRef(ctx context.Context, k Key) (string, error) {
	m, err := s.Lookup(ctx, k)
	if err != nil {
		return "", err
	}
	return m.InternalID, nil
}

// Lookup returns the live mapping for k. Rows flagged unresolved yield
// ErrUnresolved and no mapping, so a stale id is never handed out.
func (s *Service) Lookup(ctx context.Context, k Key) (*ExternalMapping, error) {
	k, err := k.Normalize()
	if err != nil {
		return nil, err
	}
	m, err := s.repo.GetByKey(ctx, k)
	if err == nil && m.Unresolved {
		err = ErrUnresolved
	}
	s.metrics.Resolution("external_ref", outcome(err))
	if err != nil {
		return nil, err
	}
	return m, nil
}

type BindRequest struct {
	Key
	StableCode string `json:"stable_code" validate:"required,stable_code"`
}

// Bind creates or replaces the mapping for req.Key, caching the code's
// current internal id. A code that does not resolve aborts the bind and
// nothing is written.
func (s *Service) Bind(ctx context.Context, req BindRequest) (*ExternalMapping, error) {
	k, err := req.Key.Normalize()
	if err != nil {
		s.metrics.Bind(telemetry.OutcomeError)
		return nil, err
	}
	code := registry.NormalizeCode(req.StableCode)

	internalID, err := s.codes.CurrentID(ctx, k.EntityType, code)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.metrics.Bind(telemetry.OutcomeNotFound)
			return nil, fmt.Errorf("%w: %s %s: %v", ErrBindTargetNotFound, k.EntityType, code, err)
		}
		s.metrics.Bind(telemetry.OutcomeError)
		return nil, err
	}

	m := &ExternalMapping{
		SystemName:     k.SystemName,
		ExternalID:     k.ExternalID,
		EntityType:     k.EntityType,
		StableCode:     code,
		InternalID:     internalID,
		LastVerifiedAt: s.now().UTC(),
	}
	if err := s.repo.Upsert(ctx, m); err != nil {
		s.metrics.Bind(telemetry.OutcomeError)
		return nil, err
	}
	s.metrics.Bind(telemetry.OutcomeResolved)
	s.logger.Info().Str("key", k.String()).Str("stable_code", code).Str("internal_id", internalID).Msg("mapping bound")
	return m, nil
}

// Decommission retires the mapping for k. Mappings are only ever removed
// this way.
func (s *Service) Decommission(ctx context.Context, k Key) error {
	k, err := k.Normalize()
	if err != nil {
		return err
	}
	if err := s.repo.Decommission(ctx, k); err != nil {
		return err
	}
	s.logger.Warn().Str("key", k.String()).Msg("mapping decommissioned")
	return nil
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*ExternalMapping, int, error) {
	if f.EntityType != "" {
		t, err := registry.ParseEntityType(string(f.EntityType))
		if err != nil {
			return nil, 0, err
		}
		f.EntityType = t
	}
	return s.repo.List(ctx, f, limit, offset)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeResolved
	case errors.Is(err, ErrUnresolved):
		return telemetry.OutcomeUnresolved
	case errors.Is(err, ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return telemetry.OutcomeNotFound
	}
	return telemetry.OutcomeError
}
