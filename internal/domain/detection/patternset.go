package detection

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/kamdental/extref/internal/domain/registry"
)

type compiledPattern struct {
	DetectionPattern
	re *regexp.Regexp
}

// PatternSet is an immutable, ordered list of compiled patterns. It is safe
// for concurrent use; updates replace the whole set.
type PatternSet struct {
	version  string
	patterns []compiledPattern
}

// NewPatternSet compiles patterns, given in declaration order, into a set.
// DeclarationOrder is assigned from slice position.
func NewPatternSet(version string, patterns []DetectionPattern) (*PatternSet, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, fmt.Errorf("%w: pattern set version is required", ErrInvalidPattern)
	}

	compiled := make([]compiledPattern, 0, len(patterns))
	for i, p := range patterns {
		p.DeclarationOrder = i + 1
		t, err := registry.ParseEntityType(string(p.EntityType))
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %d: %v", ErrInvalidPattern, p.DeclarationOrder, err)
		}
		p.EntityType = t
		p.EntityStableCode = registry.NormalizeCode(p.EntityStableCode)
		if !registry.ValidCode(p.EntityStableCode) {
			return nil, fmt.Errorf("%w: pattern %d: stable code %q", ErrInvalidPattern, p.DeclarationOrder, p.EntityStableCode)
		}
		re, err := compilePattern(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %d %q: %v", ErrInvalidPattern, p.DeclarationOrder, p.Pattern, err)
		}
		p.Examples = append([]string(nil), p.Examples...)
		compiled = append(compiled, compiledPattern{DetectionPattern: p, re: re})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority < compiled[j].Priority
		}
		return compiled[i].DeclarationOrder < compiled[j].DeclarationOrder
	})
	return &PatternSet{version: version, patterns: compiled}, nil
}

// compilePattern accepts a bare expression or the /expr/flags literal form.
// Matching is always case-insensitive.
func compilePattern(raw string) (*regexp.Regexp, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	body, flags := raw, "i"
	if strings.HasPrefix(raw, "/") {
		if end := strings.LastIndex(raw, "/"); end > 0 {
			body = raw[1:end]
			for _, f := range raw[end+1:] {
				switch f {
				case 'i':
				case 'm', 's':
					if !strings.ContainsRune(flags, f) {
						flags += string(f)
					}
				case 'g', 'u':
					// no meaning for a single boolean match
				default:
					return nil, fmt.Errorf("unsupported flag %q", f)
				}
			}
		}
	}
	if body == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	return regexp.Compile("(?" + flags + ")" + body)
}

// NormalizeCandidate puts a name in NFC form and collapses whitespace runs.
func NormalizeCandidate(name string) string {
	return strings.Join(strings.Fields(norm.NFC.String(name)), " ")
}

// Detect returns the first pattern, by (priority, declaration order), that
// matches candidate. ErrUnresolved when none does.
func (s *PatternSet) Detect(candidate string) (Result, error) {
	name := NormalizeCandidate(candidate)
	if name == "" {
		return Result{}, ErrUnresolved
	}
	for _, p := range s.patterns {
		if p.re.MatchString(name) {
			return Result{
				StableCode:        p.EntityStableCode,
				EntityType:        p.EntityType,
				MatchedPattern:    p.Pattern,
				Priority:          p.Priority,
				Confidence:        1.0,
				PatternSetVersion: s.version,
			}, nil
		}
	}
	return Result{}, ErrUnresolved
}

func (s *PatternSet) Version() string {
	return s.version
}

func (s *PatternSet) Len() int {
	return len(s.patterns)
}

// Patterns returns the patterns in evaluation order.
func (s *PatternSet) Patterns() []DetectionPattern {
	out := make([]DetectionPattern, len(s.patterns))
	for i, p := range s.patterns {
		out[i] = p.DetectionPattern
		out[i].Examples = append([]string(nil), p.Examples...)
	}
	return out
}

// declared returns the patterns in declaration order.
func (s *PatternSet) declared() []DetectionPattern {
	out := s.Patterns()
	sort.Slice(out, func(i, j int) bool { return out[i].DeclarationOrder < out[j].DeclarationOrder })
	return out
}
