package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the caller has at least one of
// the specified roles. Admin satisfies every requirement.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, has := range userRoles {
				if has == RoleAdmin {
					return next(c)
				}
				for _, required := range roles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireSystemScope rejects sync-agent tokens bound to one producer when
// they address another producer's mappings. Tokens without a system_name
// (operators, admins) pass.
func RequireSystemScope(system string, c echo.Context) error {
	bound := SystemFromContext(c.Request().Context())
	if bound == "" || bound == system {
		return nil
	}
	return echo.NewHTTPError(http.StatusForbidden,
		fmt.Sprintf("token is scoped to system %q", bound))
}
