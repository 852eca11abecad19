package detection

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kamdental/extref/internal/domain/registry"
)

var (
	// ErrUnresolved means no pattern matched. Callers must not substitute a default entity.
	ErrUnresolved     = errors.New("no detection pattern matched")
	ErrInvalidPattern = errors.New("invalid detection pattern")
	ErrNoActiveSet    = errors.New("no active pattern set")
	ErrVersionExists  = errors.New("pattern set version already deployed")
	ErrVersionUnknown = errors.New("pattern set version not found")
)

// DetectionPattern maps names matching Pattern to one stable entity. Lower
// Priority is tried first; DeclarationOrder breaks ties.
type DetectionPattern struct {
	ID               uuid.UUID           `json:"id" yaml:"-"`
	EntityType       registry.EntityType `json:"entity_type" yaml:"entity_type"`
	EntityStableCode string              `json:"entity_stable_code" yaml:"stable_code"`
	Pattern          string              `json:"pattern" yaml:"pattern"`
	Priority         int                 `json:"priority" yaml:"priority"`
	DeclarationOrder int                 `json:"declaration_order" yaml:"-"`
	// Examples are names the pattern is meant to claim. They drive
	// PatternSet.Validate and are ignored at match time.
	Examples []string `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// Result is a successful detection. Confidence is always 1.0: a pattern
// either matches or it does not.
type Result struct {
	StableCode        string              `json:"stable_code"`
	EntityType        registry.EntityType `json:"entity_type"`
	MatchedPattern    string              `json:"matched_pattern"`
	Priority          int                 `json:"priority"`
	Confidence        float64             `json:"confidence"`
	PatternSetVersion string              `json:"pattern_set_version"`
}

// SetVersion describes one deployed pattern set.
type SetVersion struct {
	Version    string    `json:"version"`
	Active     bool      `json:"active"`
	DeployedAt time.Time `json:"deployed_at"`
	Patterns   int       `json:"patterns"`
}
