package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles understood by the sync API. RoleAdmin passes every check.
const (
	RoleAdmin    = "admin"
	RoleOperator = "sync-operator"
	RoleViewer   = "sync-viewer"
)

// HasRole reports whether roles grants required, directly or through admin.
func HasRole(roles []string, required string) bool {
	for _, has := range roles {
		if has == required || has == RoleAdmin {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks the caller has at least one of
// the given roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				if HasRole(userRoles, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// ReadRoles may list and inspect jobs, conflicts, webhooks and rule sets.
var ReadRoles = []string{RoleViewer, RoleOperator}

// WriteRoles may create, cancel and resolve.
var WriteRoles = []string{RoleOperator}
