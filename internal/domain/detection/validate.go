package detection

import (
	"fmt"
	"sort"
	"strings"
)

// Conflict kinds reported by Validate.
const (
	ConflictUnmatched = "unmatched" // no pattern claims the example
	ConflictShadowed  = "shadowed"  // another entity's pattern wins first
	ConflictOverlap   = "overlap"   // another entity's pattern also matches
)

// Conflict is one authoring defect found by Validate.
type Conflict struct {
	Kind        string `json:"kind"`
	Example     string `json:"example"`
	Owner       string `json:"owner"`
	OwnerOrder  int    `json:"owner_order"`
	Other       string `json:"other,omitempty"`
	OtherOrder  int    `json:"other_order,omitempty"`
	OtherSource string `json:"other_pattern,omitempty"`
}

func (c Conflict) String() string {
	switch c.Kind {
	case ConflictUnmatched:
		return fmt.Sprintf("%s: example %q of pattern #%d (%s) matches nothing", c.Kind, c.Example, c.OwnerOrder, c.Owner)
	default:
		return fmt.Sprintf("%s: example %q of pattern #%d (%s) is also matched by pattern #%d %s (%s)",
			c.Kind, c.Example, c.OwnerOrder, c.Owner, c.OtherOrder, c.OtherSource, c.Other)
	}
}

// ValidationError carries every conflict found in a set.
type ValidationError struct {
	Version   string
	Conflicts []Conflict
}

func (e *ValidationError) Error() string {
	lines := make([]string, 0, len(e.Conflicts)+1)
	lines = append(lines, fmt.Sprintf("pattern set %s has %d conflict(s)", e.Version, len(e.Conflicts)))
	for _, c := range e.Conflicts {
		lines = append(lines, "  "+c.String())
	}
	return strings.Join(lines, "\n")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPattern
}

// Validate checks that each pattern's examples are claimed by that pattern's
// entity and by no other entity. Sets are expected to be disjoint; overlaps
// are authoring defects and are reported here rather than arbitrated at
// match time. Validate returns nil when the set is clean.
func (s *PatternSet) Validate() error {
	var conflicts []Conflict
	for _, owner := range s.declared() {
		ownerKey := entityKey(owner)
		for _, raw := range owner.Examples {
			example := NormalizeCandidate(raw)
			first := true
			matched := false
			for _, p := range s.patterns {
				if !p.re.MatchString(example) {
					continue
				}
				if entityKey(p.DetectionPattern) == ownerKey {
					matched = true
					first = false
					continue
				}
				kind := ConflictOverlap
				if first {
					kind = ConflictShadowed
				}
				first = false
				conflicts = append(conflicts, Conflict{
					Kind:        kind,
					Example:     example,
					Owner:       ownerKey,
					OwnerOrder:  owner.DeclarationOrder,
					Other:       entityKey(p.DetectionPattern),
					OtherOrder:  p.DeclarationOrder,
					OtherSource: p.Pattern,
				})
			}
			if !matched {
				conflicts = append(conflicts, Conflict{
					Kind:       ConflictUnmatched,
					Example:    example,
					Owner:      ownerKey,
					OwnerOrder: owner.DeclarationOrder,
				})
			}
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].OwnerOrder != conflicts[j].OwnerOrder {
			return conflicts[i].OwnerOrder < conflicts[j].OwnerOrder
		}
		return conflicts[i].OtherOrder < conflicts[j].OtherOrder
	})
	return &ValidationError{Version: s.version, Conflicts: conflicts}
}

func entityKey(p DetectionPattern) string {
	return string(p.EntityType) + "/" + p.EntityStableCode
}
