package detection

import (
	"errors"
	"testing"

	"github.com/kamdental/extref/internal/domain/registry"
)

func scenarioSet(t *testing.T) *PatternSet {
	t.Helper()
	s, err := NewPatternSet("2026-10-01", []DetectionPattern{
		{EntityType: registry.EntityProvider, EntityStableCode: "PROV_CHINYERE_ENIH", Pattern: "/chinyere/i", Priority: 10,
			Examples: []string{"Dr Chinyere Enih Production"}},
		{EntityType: registry.EntityClinic, EntityStableCode: "KAMDENTAL_HUMBLE", Pattern: `\bhumble\b`, Priority: 20,
			Examples: []string{"Humble Schedule"}},
	})
	if err != nil {
		t.Fatalf("NewPatternSet() error: %v", err)
	}
	return s
}

func TestDetect_FirstMatch(t *testing.T) {
	s := scenarioSet(t)

	res, err := s.Detect("Dr Chinyere Enih Production")
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if res.StableCode != "PROV_CHINYERE_ENIH" || res.EntityType != registry.EntityProvider {
		t.Errorf("unexpected result %+v", res)
	}
	if res.MatchedPattern != "/chinyere/i" {
		t.Errorf("expected matched pattern /chinyere/i, got %q", res.MatchedPattern)
	}
	if res.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0, got %v", res.Confidence)
	}
	if res.PatternSetVersion != "2026-10-01" {
		t.Errorf("expected version 2026-10-01, got %q", res.PatternSetVersion)
	}
}

func TestDetect_Unresolved(t *testing.T) {
	s := scenarioSet(t)

	for _, name := range []string{"Random Sheet 3", "", "   "} {
		res, err := s.Detect(name)
		if !errors.Is(err, ErrUnresolved) {
			t.Errorf("Detect(%q) error = %v, want ErrUnresolved", name, err)
		}
		if res != (Result{}) {
			t.Errorf("Detect(%q) returned a non-zero result %+v", name, res)
		}
	}
}

func TestDetect_PriorityThenDeclarationOrder(t *testing.T) {
	s, err := NewPatternSet("v1", []DetectionPattern{
		{EntityType: registry.EntityClinic, EntityStableCode: "LATE_LOW", Pattern: "humble", Priority: 20},
		{EntityType: registry.EntityClinic, EntityStableCode: "FIRST_TIE", Pattern: "humble", Priority: 10},
		{EntityType: registry.EntityClinic, EntityStableCode: "SECOND_TIE", Pattern: "humble", Priority: 10},
	})
	if err != nil {
		t.Fatalf("NewPatternSet() error: %v", err)
	}

	res, err := s.Detect("Humble")
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if res.StableCode != "FIRST_TIE" {
		t.Errorf("expected FIRST_TIE, got %s", res.StableCode)
	}

	got := s.Patterns()
	want := []string{"FIRST_TIE", "SECOND_TIE", "LATE_LOW"}
	for i, code := range want {
		if got[i].EntityStableCode != code {
			t.Errorf("evaluation order[%d] = %s, want %s", i, got[i].EntityStableCode, code)
		}
	}
	if got[2].DeclarationOrder != 1 {
		t.Errorf("expected LATE_LOW to keep declaration order 1, got %d", got[2].DeclarationOrder)
	}
}

func TestDetect_Deterministic(t *testing.T) {
	s := scenarioSet(t)
	first, err := s.Detect("dr chinyere enih production")
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, err := s.Detect("dr chinyere enih production")
		if err != nil || got != first {
			t.Fatalf("call %d returned %+v, %v; want %+v", i, got, err, first)
		}
	}
}

func TestDetect_NormalizesCandidate(t *testing.T) {
	s, err := NewPatternSet("v1", []DetectionPattern{
		{EntityType: registry.EntityLocation, EntityStableCode: "LOC_CAFE", Pattern: "^caf\u00e9 downtown$"},
	})
	if err != nil {
		t.Fatalf("NewPatternSet() error: %v", err)
	}
	// decomposed e + combining acute, irregular spacing
	if _, err := s.Detect("  Cafe\u0301 \t Downtown "); err != nil {
		t.Errorf("expected a normalised match, got %v", err)
	}
}

func TestNewPatternSet_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		patterns []DetectionPattern
	}{
		{"missing version", "", []DetectionPattern{{EntityType: registry.EntityClinic, EntityStableCode: "A_B", Pattern: "x"}}},
		{"unknown entity type", "v1", []DetectionPattern{{EntityType: "patient", EntityStableCode: "A_B", Pattern: "x"}}},
		{"bad code", "v1", []DetectionPattern{{EntityType: registry.EntityClinic, EntityStableCode: "1", Pattern: "x"}}},
		{"empty pattern", "v1", []DetectionPattern{{EntityType: registry.EntityClinic, EntityStableCode: "A_B", Pattern: " "}}},
		{"bad regex", "v1", []DetectionPattern{{EntityType: registry.EntityClinic, EntityStableCode: "A_B", Pattern: "("}}},
		{"bad flag", "v1", []DetectionPattern{{EntityType: registry.EntityClinic, EntityStableCode: "A_B", Pattern: "/x/q"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPatternSet(tt.version, tt.patterns)
			if !errors.Is(err, ErrInvalidPattern) {
				t.Errorf("expected ErrInvalidPattern, got %v", err)
			}
		})
	}
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		raw     string
		input   string
		matches bool
	}{
		{"/chinyere/i", "CHINYERE", true},
		{"chinyere", "Chinyere", true},
		{"/^dr /gu", "Dr Who", true},
		{"/^b$/m", "a\nb", true},
		{"^b$", "a\nb", false},
		{"/a.b/s", "a\nb", true},
		{"/path/with/slash/", "PATH/WITH/SLASH", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			re, err := compilePattern(tt.raw)
			if err != nil {
				t.Fatalf("compilePattern(%q) error: %v", tt.raw, err)
			}
			if got := re.MatchString(tt.input); got != tt.matches {
				t.Errorf("match(%q) = %v, want %v", tt.input, got, tt.matches)
			}
		})
	}
}
