package detection

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PatternFile is the on-disk YAML form of a pattern set. Patterns are listed
// in declaration order.
type PatternFile struct {
	Version  string             `yaml:"version"`
	Patterns []DetectionPattern `yaml:"patterns"`
}

// LoadPatternFile reads and compiles a YAML pattern set. Unknown keys are
// rejected so typos do not silently drop a rule.
func LoadPatternFile(path string) (*PatternSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}
	s, err := ParsePatternFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func ParsePatternFile(data []byte) (*PatternSet, error) {
	var f PatternFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidPattern, err)
	}
	if len(f.Patterns) == 0 {
		return nil, fmt.Errorf("%w: pattern set %q has no patterns", ErrInvalidPattern, f.Version)
	}
	return NewPatternSet(f.Version, f.Patterns)
}

// WritePatternFile encodes s in declaration order, in the format
// ParsePatternFile reads.
func WritePatternFile(w io.Writer, s *PatternSet) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(PatternFile{Version: s.Version(), Patterns: s.declared()}); err != nil {
		return fmt.Errorf("encode pattern file: %w", err)
	}
	return enc.Close()
}
