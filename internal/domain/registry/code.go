package registry

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxCodeLen = 128

var (
	codeRe       = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,127}$`)
	nonCodeChars = regexp.MustCompile(`[^A-Z0-9]+`)
)

// ValidCode reports whether code is a well-formed stable code.
func ValidCode(code string) bool {
	return codeRe.MatchString(code)
}

// NormalizeCode uppercases an operator-supplied code and maps spaces and
// hyphens to underscores. It does not validate.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, code)
}

// Slug folds diacritics and reduces name to uppercase ASCII words joined by
// underscores: "Clínica Humble-Kingwood" -> "CLINICA_HUMBLE_KINGWOOD".
func Slug(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	s := nonCodeChars.ReplaceAllString(strings.ToUpper(folded), "_")
	return strings.Trim(s, "_")
}

// GenerateCode builds the base code for an entity: the type prefix plus the
// slug of name, or a random suffix when name has no usable characters.
func GenerateCode(t EntityType, name string) string {
	slug := Slug(name)
	if slug == "" {
		slug = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	}
	code := t.CodePrefix() + slug
	if len(code) > maxCodeLen-4 {
		code = strings.TrimRight(code[:maxCodeLen-4], "_")
	}
	return code
}

// withSuffix returns the n-th collision candidate for base (n >= 2).
func withSuffix(base string, n int) string {
	if n < 2 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n)
}
