package detection

import (
	"errors"
	"strings"
	"testing"

	"github.com/kamdental/extref/internal/domain/registry"
)

func TestValidate_CleanSet(t *testing.T) {
	if err := scenarioSet(t).Validate(); err != nil {
		t.Errorf("expected a clean set, got %v", err)
	}
}

func TestValidate_Conflicts(t *testing.T) {
	s, err := NewPatternSet("v2", []DetectionPattern{
		{EntityType: registry.EntityClinic, EntityStableCode: "KAMDENTAL_HUMBLE", Pattern: "humble", Priority: 10,
			Examples: []string{"Humble Clinic Schedule"}},
		{EntityType: registry.EntityClinic, EntityStableCode: "KAMDENTAL_KATY", Pattern: "katy|clinic", Priority: 5,
			Examples: []string{"Katy Office"}},
		{EntityType: registry.EntityProvider, EntityStableCode: "PROV_ORPHAN", Pattern: "zzz", Priority: 30,
			Examples: []string{"Nothing Here"}},
		{EntityType: registry.EntityClinic, EntityStableCode: "KAMDENTAL_HUMBLE", Pattern: "schedule", Priority: 40,
			Examples: []string{"Weekly Schedule"}},
	})
	if err != nil {
		t.Fatalf("NewPatternSet() error: %v", err)
	}

	err = s.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidPattern) {
		t.Error("expected ValidationError to match ErrInvalidPattern")
	}
	if len(verr.Conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %d: %v", len(verr.Conflicts), verr)
	}

	shadowed := verr.Conflicts[0]
	if shadowed.Kind != ConflictShadowed || shadowed.OwnerOrder != 1 || shadowed.OtherOrder != 2 {
		t.Errorf("unexpected first conflict %+v", shadowed)
	}
	if shadowed.Example != "Humble Clinic Schedule" {
		t.Errorf("unexpected example %q", shadowed.Example)
	}

	unmatched := verr.Conflicts[1]
	if unmatched.Kind != ConflictUnmatched || unmatched.Owner != "provider/PROV_ORPHAN" {
		t.Errorf("unexpected second conflict %+v", unmatched)
	}
	if !strings.Contains(verr.Error(), "2 conflict(s)") {
		t.Errorf("unexpected error text %q", verr.Error())
	}
}

func TestValidate_Overlap(t *testing.T) {
	s, err := NewPatternSet("v3", []DetectionPattern{
		{EntityType: registry.EntityProvider, EntityStableCode: "PROV_CHINYERE_ENIH", Pattern: "chinyere", Priority: 1,
			Examples: []string{"Chinyere Enih"}},
		{EntityType: registry.EntityProvider, EntityStableCode: "PROV_ENIH_OTHER", Pattern: "enih", Priority: 2},
	})
	if err != nil {
		t.Fatalf("NewPatternSet() error: %v", err)
	}

	var verr *ValidationError
	if !errors.As(s.Validate(), &verr) {
		t.Fatal("expected an overlap to be reported")
	}
	if len(verr.Conflicts) != 1 || verr.Conflicts[0].Kind != ConflictOverlap {
		t.Errorf("expected one overlap conflict, got %+v", verr.Conflicts)
	}
}
