package mapping

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kamdental/extref/internal/domain/registry"
)

var (
	ErrNotFound = errors.New("mapping not found")
	// ErrUnresolved marks a row whose stable code stopped resolving during
	// reconciliation. It matches ErrNotFound under errors.Is.
	ErrUnresolved = fmt.Errorf("%w: flagged unresolved by reconciliation", ErrNotFound)
	// ErrBindTargetNotFound is an AmbiguousBinding attempt: the stable code
	// does not resolve, so nothing is written.
	ErrBindTargetNotFound = errors.New("bind target stable code does not resolve")
	ErrInvalidInput       = errors.New("invalid input")
	// ErrConcurrentChange is returned by conditional writes when the row's
	// stable code changed since it was read.
	ErrConcurrentChange = errors.New("mapping changed concurrently")
)

// ExternalID is an external producer's identifier. It is opaque: compared
// for equality, never parsed.
type ExternalID string

// Key identifies one external reference.
type Key struct {
	SystemName string              `json:"system_name" query:"system" validate:"required,max=128"`
	ExternalID ExternalID          `json:"external_id" query:"external_id" validate:"required,max=1024"`
	EntityType registry.EntityType `json:"entity_type" query:"entity_type" validate:"required,entity_type"`
}

// Normalize trims the system name and parses the entity type. The external
// id is kept byte for byte.
func (k Key) Normalize() (Key, error) {
	k.SystemName = strings.TrimSpace(k.SystemName)
	if k.SystemName == "" {
		return k, fmt.Errorf("%w: system_name is required", ErrInvalidInput)
	}
	if k.ExternalID == "" {
		return k, fmt.Errorf("%w: external_id is required", ErrInvalidInput)
	}
	t, err := registry.ParseEntityType(string(k.EntityType))
	if err != nil {
		return k, err
	}
	k.EntityType = t
	return k, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.SystemName, k.EntityType, k.ExternalID)
}

type ExternalMapping struct {
	ID               uuid.UUID           `json:"id"`
	SystemName       string              `json:"system_name"`
	ExternalID       ExternalID          `json:"external_id"`
	EntityType       registry.EntityType `json:"entity_type"`
	StableCode       string              `json:"stable_code"`
	InternalID       string              `json:"internal_id"`
	LastVerifiedAt   time.Time           `json:"last_verified_at"`
	Unresolved       bool                `json:"unresolved"`
	UnresolvedReason *string             `json:"unresolved_reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	DecommissionedAt *time.Time          `json:"decommissioned_at,omitempty"`
}

func (m *ExternalMapping) Key() Key {
	return Key{SystemName: m.SystemName, ExternalID: m.ExternalID, EntityType: m.EntityType}
}

type ListFilter struct {
	SystemName     string
	EntityType     registry.EntityType
	StableCode     string
	UnresolvedOnly bool
}
