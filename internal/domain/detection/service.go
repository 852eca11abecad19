package detection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kamdental/extref/internal/domain/mapping"
	"github.com/kamdental/extref/internal/domain/registry"
	"github.com/kamdental/extref/internal/platform/telemetry"
)

// Resolver is the slice of the resolution service detection hands off to.
// *mapping.Service satisfies it.
type Resolver interface {
	ResolveByCode(ctx context.Context, t registry.EntityType, code string) (string, error)
	Bind(ctx context.Context, req mapping.BindRequest) (*mapping.ExternalMapping, error)
}

type Service struct {
	holder   *Holder
	repo     Repository
	resolver Resolver
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

func NewService(holder *Holder, repo Repository, resolver Resolver, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		holder:   holder,
		repo:     repo,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger.With().Str("component", "detection").Logger(),
	}
}

func (s *Service) patterns() (*PatternSet, error) {
	set := s.holder.Current()
	if set == nil {
		return nil, ErrNoActiveSet
	}
	return set, nil
}

// Detect matches candidate against the current pattern set.
func (s *Service) Detect(candidate string) (Result, error) {
	set, err := s.patterns()
	if err != nil {
		return Result{}, err
	}
	res, err := set.Detect(candidate)
	s.metrics.Detection(detectOutcome(err))
	return res, err
}

type DetectRequest struct {
	CandidateName string `json:"candidate_name" validate:"required,max=1024"`
	// Bind caches the result as a mapping for SystemName/ExternalID.
	// ExternalID defaults to the candidate name exactly as received.
	Bind       bool   `json:"bind"`
	SystemName string `json:"system_name,omitempty" validate:"required_if=Bind true,max=128"`
	ExternalID string `json:"external_id,omitempty" validate:"max=1024"`
}

// Detection is a detection resolved to a live internal id.
type Detection struct {
	Result
	InternalID string                   `json:"internal_id"`
	Mapping    *mapping.ExternalMapping `json:"mapping,omitempty"`
}

// DetectAndResolve detects the entity named by req.CandidateName, resolves
// its stable code to the live internal id and, when asked, binds the
// external reference. A detected code that no longer resolves is reported
// as registry.ErrNotFound; nothing is bound in that case.
func (s *Service) DetectAndResolve(ctx context.Context, req DetectRequest) (*Detection, error) {
	res, err := s.Detect(req.CandidateName)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, res, req.Bind, req.SystemName, req.ExternalID, req.CandidateName)
}

// DetectWorkbook detects from an uploaded spreadsheet and resolves the match.
func (s *Service) DetectWorkbook(ctx context.Context, r io.Reader, filename string) (*WorkbookMatch, string, error) {
	set, err := s.patterns()
	if err != nil {
		return nil, "", err
	}
	match, err := DetectWorkbookReader(set, r, filename)
	s.metrics.Detection(detectOutcome(err))
	if err != nil {
		return nil, "", err
	}
	d, err := s.resolve(ctx, match.Result, false, "", "", match.Candidate)
	if err != nil {
		return nil, "", err
	}
	return match, d.InternalID, nil
}

func (s *Service) resolve(ctx context.Context, res Result, bind bool, system, externalID, candidate string) (*Detection, error) {
	id, err := s.resolver.ResolveByCode(ctx, res.EntityType, res.StableCode)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn().Str("stable_code", res.StableCode).Str("pattern", res.MatchedPattern).
				Msg("detected code does not resolve")
		}
		return nil, fmt.Errorf("resolve detected %s %s: %w", res.EntityType, res.StableCode, err)
	}
	d := &Detection{Result: res, InternalID: id}
	if !bind {
		return d, nil
	}

	if strings.TrimSpace(externalID) == "" {
		externalID = candidate
	}
	m, err := s.resolver.Bind(ctx, mapping.BindRequest{
		Key: mapping.Key{
			SystemName: system,
			ExternalID: mapping.ExternalID(externalID),
			EntityType: res.EntityType,
		},
		StableCode: res.StableCode,
	})
	if err != nil {
		return nil, err
	}
	d.Mapping = m
	d.InternalID = m.InternalID
	return d, nil
}

// Reload swaps in the latest active set.
func (s *Service) Reload(ctx context.Context) (*PatternSet, error) {
	set, err := s.holder.Reload(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("version", set.Version()).Int("patterns", set.Len()).Msg("pattern set loaded")
	return set, nil
}

// Deploy validates set and stores it. A set with conflicts is refused.
// When activate is set the running holder is reloaded.
func (s *Service) Deploy(ctx context.Context, set *PatternSet, activate bool) error {
	if s.repo == nil {
		return fmt.Errorf("pattern sets are file based, no repository configured")
	}
	if err := set.Validate(); err != nil {
		return err
	}
	if err := s.repo.Deploy(ctx, set, activate); err != nil {
		return err
	}
	s.logger.Info().Str("version", set.Version()).Bool("active", activate).Msg("pattern set deployed")
	if activate {
		if _, err := s.Reload(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Current() (*PatternSet, error) {
	return s.patterns()
}

func (s *Service) Versions(ctx context.Context) ([]SetVersion, error) {
	if s.repo == nil {
		set, err := s.patterns()
		if err != nil {
			return nil, err
		}
		return []SetVersion{{Version: set.Version(), Active: true, Patterns: set.Len()}}, nil
	}
	return s.repo.ListVersions(ctx)
}

func detectOutcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeResolved
	case errors.Is(err, ErrUnresolved):
		return telemetry.OutcomeUnresolved
	}
	return telemetry.OutcomeError
}
