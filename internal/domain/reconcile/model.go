package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kamdental/extref/internal/domain/registry"
)

var (
	// ErrAlreadyRunning is returned when another run holds the job lock.
	ErrAlreadyRunning = errors.New("reconciliation already running")
	ErrRunNotFound    = errors.New("reconcile run not found")
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusPartial     Status = "completed_with_unresolved"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Row outcomes, also used as metric labels.
const (
	RowRepaired   = "repaired"
	RowUnchanged  = "unchanged"
	RowUnresolved = "unresolved"
	RowFailed     = "failed"
	RowSkipped    = "skipped"
)

type Options struct {
	// SystemName limits the mapping pass to one producer. Empty means all.
	SystemName string `json:"system_name,omitempty" validate:"max=128"`
	// BatchSize overrides the job default when positive.
	BatchSize int `json:"batch_size,omitempty" validate:"gte=0,lte=10000"`
	// SkipRegistryRefresh trusts the registry's current ids as they are.
	SkipRegistryRefresh bool `json:"skip_registry_refresh,omitempty"`
}

// UnresolvedRow identifies a mapping whose stable code no longer resolves.
type UnresolvedRow struct {
	SystemName string              `json:"system_name"`
	ExternalID string              `json:"external_id"`
	EntityType registry.EntityType `json:"entity_type"`
	StableCode string              `json:"stable_code"`
	InternalID string              `json:"internal_id"`
	Reason     string              `json:"reason"`
}

func (u UnresolvedRow) String() string {
	return fmt.Sprintf("%s/%s/%s (%s): %s", u.SystemName, u.EntityType, u.ExternalID, u.StableCode, u.Reason)
}

// Summary is the structured result of one run. Counts cover the mapping
// pass; Registry* fields cover the registry refresh.
type Summary struct {
	RunID            uuid.UUID       `json:"run_id"`
	SystemName       string          `json:"system_name,omitempty"`
	Status           Status          `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	Scanned          int             `json:"scanned"`
	Repaired         int             `json:"repaired"`
	Unchanged        int             `json:"unchanged"`
	Unresolved       int             `json:"unresolved"`
	Failed           int             `json:"failed"`
	Skipped          int             `json:"skipped"`
	RegistryRepaired int             `json:"registry_repaired"`
	RegistryMissing  []string        `json:"registry_missing"`
	UnresolvedRows   []UnresolvedRow `json:"unresolved_rows"`
	Error            string          `json:"error,omitempty"`
}

// Clean reports whether the run finished with every row resolved.
func (s *Summary) Clean() bool {
	return s.Status == StatusCompleted
}

func (s *Summary) sortRows() {
	sort.Strings(s.RegistryMissing)
	sort.Slice(s.UnresolvedRows, func(i, j int) bool {
		a, b := s.UnresolvedRows[i], s.UnresolvedRows[j]
		if a.SystemName != b.SystemName {
			return a.SystemName < b.SystemName
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.ExternalID < b.ExternalID
	})
}

// String renders the operator summary printed at the end of every run.
func (s *Summary) String() string {
	var b strings.Builder
	scope := "all systems"
	if s.SystemName != "" {
		scope = "system " + s.SystemName
	}
	fmt.Fprintf(&b, "reconcile run %s (%s): %s\n", s.RunID, scope, s.Status)
	fmt.Fprintf(&b, "  mappings: scanned=%d repaired=%d unchanged=%d unresolved=%d failed=%d skipped=%d\n",
		s.Scanned, s.Repaired, s.Unchanged, s.Unresolved, s.Failed, s.Skipped)
	fmt.Fprintf(&b, "  registry: repaired=%d missing=%d\n", s.RegistryRepaired, len(s.RegistryMissing))
	for _, code := range s.RegistryMissing {
		fmt.Fprintf(&b, "    missing from primary store: %s\n", code)
	}
	for _, row := range s.UnresolvedRows {
		fmt.Fprintf(&b, "    unresolved: %s\n", row)
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", s.Error)
	}
	return b.String()
}
