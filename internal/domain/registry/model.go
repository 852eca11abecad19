package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EntityType string

const (
	EntityClinic   EntityType = "clinic"
	EntityProvider EntityType = "provider"
	EntityLocation EntityType = "location"
)

// EntityTypes lists every supported type in a fixed order.
var EntityTypes = []EntityType{EntityClinic, EntityProvider, EntityLocation}

var (
	ErrNotFound          = errors.New("stable code not found")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrInvalidCode       = errors.New("invalid stable code")
	ErrInvalidInput      = errors.New("invalid input")
	ErrCodeTaken         = errors.New("stable code already issued")
	ErrAlreadyAssigned   = errors.New("entity already has a different stable code")
)

func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case EntityClinic, EntityProvider, EntityLocation:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
}

func (t EntityType) Valid() bool {
	_, err := ParseEntityType(string(t))
	return err == nil
}

// CodePrefix is prepended to generated codes so codes of different types never collide.
func (t EntityType) CodePrefix() string {
	switch t {
	case EntityClinic:
		return "CLINIC_"
	case EntityProvider:
		return "PROV_"
	case EntityLocation:
		return "LOC_"
	}
	return ""
}

// StableEntity is the durable anchor for one business entity. StableCode
// and EntityType never change once written; CurrentInternalID follows the
// primary store across reseeds.
type StableEntity struct {
	ID                uuid.UUID  `json:"id"`
	EntityType        EntityType `json:"entity_type"`
	StableCode        string     `json:"stable_code"`
	CurrentInternalID string     `json:"current_internal_id"`
	DisplayName       *string    `json:"display_name,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DecommissionedAt  *time.Time `json:"decommissioned_at,omitempty"`
}

func (e *StableEntity) Live() bool {
	return e.DecommissionedAt == nil
}

// Cursor is a keyset position over (entity_type, stable_code).
type Cursor struct {
	EntityType EntityType
	StableCode string
}

func (c Cursor) IsZero() bool {
	return c.EntityType == "" && c.StableCode == ""
}

// After reports whether e sorts strictly after the cursor.
func (c Cursor) After(e *StableEntity) bool {
	if e.EntityType != c.EntityType {
		return e.EntityType > c.EntityType
	}
	return e.StableCode > c.StableCode
}

type ListFilter struct {
	EntityType            EntityType
	IncludeDecommissioned bool
}
