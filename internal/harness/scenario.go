package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kamdental/extref/internal/domain/detection"
	"github.com/kamdental/extref/internal/domain/registry"
)

// Scenario is a scripted resilience check: an initial population of stable
// entities and mappings, then an ordered list of disruptive and verifying
// steps.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// BatchSize is the reconciliation batch size unless a step overrides it.
	BatchSize int `yaml:"batch_size,omitempty"`

	Entities []EntitySeed           `yaml:"entities"`
	Mappings []MappingSeed          `yaml:"mappings,omitempty"`
	Patterns *detection.PatternFile `yaml:"patterns,omitempty"`
	Steps    []Step                 `yaml:"steps"`
}

// EntitySeed is a record present in both the primary store and the registry.
type EntitySeed struct {
	Type       string `yaml:"type"`
	Code       string `yaml:"code"`
	InternalID string `yaml:"internal_id"`
	Name       string `yaml:"name,omitempty"`
}

// MappingSeed is bound through the resolution service during setup.
type MappingSeed struct {
	System     string `yaml:"system"`
	ExternalID string `yaml:"external_id"`
	Type       string `yaml:"type"`
	Code       string `yaml:"code"`
}

// Step actions.
const (
	StepReseed           = "reseed"
	StepCorruptMappings  = "corrupt_mappings"
	StepDecommission     = "decommission"
	StepHardDelete       = "hard_delete"
	StepBind             = "bind"
	StepReconcile        = "reconcile"
	StepAssertResolvable = "assert_resolvable"
	StepAssertSummary    = "assert_summary"
	StepDetect           = "detect"
)

var knownSteps = map[string]bool{
	StepReseed: true, StepCorruptMappings: true, StepDecommission: true, StepHardDelete: true,
	StepBind: true, StepReconcile: true, StepAssertResolvable: true, StepAssertSummary: true,
	StepDetect: true,
}

// Step is one scenario action. Only the fields its action reads are set.
type Step struct {
	Action string `yaml:"action"`

	// Entity is "type/CODE" for decommission and hard_delete.
	Entity string `yaml:"entity,omitempty"`
	// IDs pins the new internal id of listed entities on reseed, keyed
	// "type/CODE". Unlisted records get "<old>-<n>" for the n-th reseed.
	IDs map[string]string `yaml:"ids,omitempty"`

	// System scopes corrupt_mappings and reconcile, and names the system
	// bind and detect write to.
	System     string `yaml:"system,omitempty"`
	ExternalID string `yaml:"external_id,omitempty"`
	Type       string `yaml:"type,omitempty"`
	Code       string `yaml:"code,omitempty"`

	BatchSize           int  `yaml:"batch_size,omitempty"`
	SkipRegistryRefresh bool `yaml:"skip_registry_refresh,omitempty"`

	// Name is the candidate for detect. Bind caches the detection.
	Name string `yaml:"name,omitempty"`
	Bind bool   `yaml:"bind,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect holds the checks for assert_summary, assert_resolvable and detect.
type Expect struct {
	Status           string `yaml:"status,omitempty"`
	Scanned          *int   `yaml:"scanned,omitempty"`
	Repaired         *int   `yaml:"repaired,omitempty"`
	Unchanged        *int   `yaml:"unchanged,omitempty"`
	Unresolved       *int   `yaml:"unresolved,omitempty"`
	Failed           *int   `yaml:"failed,omitempty"`
	RegistryRepaired *int   `yaml:"registry_repaired,omitempty"`

	// Stale is the number of mappings allowed to hand out a wrong id
	// (assert_resolvable). Defaults to zero.
	Stale *int `yaml:"stale,omitempty"`
	// UnresolvedKeys lists mappings expected to be flagged unresolved,
	// as "system/type/external_id".
	UnresolvedKeys []string `yaml:"unresolved_keys,omitempty"`

	// Outcome is "resolved", "unresolved" or "not_found" (detect).
	Outcome    string `yaml:"outcome,omitempty"`
	Code       string `yaml:"code,omitempty"`
	InternalID string `yaml:"internal_id,omitempty"`
}

// LoadScenario reads a scenario file. Unknown keys are rejected so a typo
// cannot silently drop a step or an expectation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario yaml: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Entities) == 0 {
		return fmt.Errorf("entities list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, e := range s.Entities {
		if _, err := registry.ParseEntityType(e.Type); err != nil {
			return fmt.Errorf("entity %d: %w", i+1, err)
		}
		if e.Code == "" || e.InternalID == "" {
			return fmt.Errorf("entity %d: code and internal_id are required", i+1)
		}
	}
	for i, m := range s.Mappings {
		if m.System == "" || m.ExternalID == "" || m.Code == "" {
			return fmt.Errorf("mapping %d: system, external_id and code are required", i+1)
		}
		if _, err := registry.ParseEntityType(m.Type); err != nil {
			return fmt.Errorf("mapping %d: %w", i+1, err)
		}
	}

	for i, st := range s.Steps {
		if !knownSteps[st.Action] {
			return fmt.Errorf("step %d: unknown action %q", i+1, st.Action)
		}
		switch st.Action {
		case StepDecommission, StepHardDelete:
			if _, _, err := parseRef(st.Entity); err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		case StepDetect:
			if strings.TrimSpace(st.Name) == "" {
				return fmt.Errorf("step %d: detect needs a name", i+1)
			}
			if s.Patterns == nil {
				return fmt.Errorf("step %d: detect needs a patterns section", i+1)
			}
			if st.Bind && st.System == "" {
				return fmt.Errorf("step %d: detect with bind needs a system", i+1)
			}
		case StepBind:
			if st.System == "" || st.ExternalID == "" || st.Code == "" {
				return fmt.Errorf("step %d: bind needs system, external_id and code", i+1)
			}
		case StepAssertSummary:
			if st.Expect == nil {
				return fmt.Errorf("step %d: assert_summary needs expect", i+1)
			}
		}
		for ref := range st.IDs {
			if _, _, err := parseRef(ref); err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		}
	}
	return nil
}

// parseRef splits "type/CODE".
func parseRef(ref string) (registry.EntityType, string, error) {
	typ, code, ok := strings.Cut(ref, "/")
	if !ok || code == "" {
		return "", "", fmt.Errorf("entity reference %q must be type/CODE", ref)
	}
	t, err := registry.ParseEntityType(typ)
	if err != nil {
		return "", "", err
	}
	return t, registry.NormalizeCode(code), nil
}
