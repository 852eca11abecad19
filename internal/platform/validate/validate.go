// Package validate adapts go-playground/validator to echo's Validator hook.
package validate

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var stableCodeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ -]{1,127}$`)

// Validator implements echo.Validator.
type Validator struct {
	v *validator.Validate
}

// New returns a Validator with the custom tags registered:
//
//	entity_type  one of clinic, provider, location
//	stable_code  letter first, then letters, digits, underscores, spaces or hyphens
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("entity_type", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "clinic", "provider", "location":
			return true
		}
		return false
	})
	_ = v.RegisterValidation("stable_code", func(fl validator.FieldLevel) bool {
		return stableCodeRe.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// Validate returns a 400 echo.HTTPError listing each failing field and tag.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	fields := Fields(err)
	if fields == nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
		"message": "validation failed: " + summarize(fields),
		"fields":  fields,
	})
}

// Fields maps each invalid field to the tag it failed. Returns nil when err is
// not a validation error.
func Fields(err error) map[string]string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

func summarize(fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for f, tag := range fields {
		parts = append(parts, f+" ("+tag+")")
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
