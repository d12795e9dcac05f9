package security

import (
	"fmt"
	"net/http"
	"strings"
)

// Roles
const (
	RoleOwner    = "owner"
	RoleAgent    = "agent"
	RoleReadonly = "readonly"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleOwner, RoleAgent, RoleReadonly}

// routePermission defines which roles can access a method+path pattern.
type routePermission struct {
	Method  string // HTTP method ("GET", "POST", "PUT", "DELETE", "*" for any)
	Pattern string // path prefix or exact match
	Roles   []string
}

// permissions defines the RBAC permission table for the Control API.
// An agent may send messages and read state about itself and its peers
// but cannot register, deregister, or change another agent's lifecycle
// state — that is reserved for owner. Readonly gets every GET and
// nothing else.
var permissions = []routePermission{
	{Method: "POST", Pattern: "/control/messages", Roles: []string{RoleOwner, RoleAgent}},
	{Method: "GET", Pattern: "/control/", Roles: []string{RoleOwner, RoleAgent, RoleReadonly}},
	{Method: "*", Pattern: "/control/", Roles: []string{RoleOwner}},
}

// RequireRole returns middleware that checks the JWT role against allowed roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				// No claims means dev mode (no secret set) — allow through
				next.ServeHTTP(w, r)
				return
			}
			if !roleSet[claims.Role] {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, ErrInsufficientRole.Error()), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// EnforceRBAC builds middleware that checks the caller's JWT role against
// the permission table for the request's method and path. A request with
// no claims (dev mode, no JWT secret configured) passes through
// unchecked, same as AuthMiddleware's own dev-mode fallback.
func EnforceRBAC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := GetClaims(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !CheckPermission(claims.Role, r.Method, r.URL.Path) {
			http.Error(w, fmt.Sprintf(`{"error":"%s"}`, ErrInsufficientRole.Error()), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CheckPermission checks if the given role is allowed to access method+path.
// Returns true if allowed. Owner always has access.
func CheckPermission(role, method, path string) bool {
	if role == RoleOwner {
		return true
	}

	// Normalize path: strip trailing slash for matching
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	// Scan the table in order; the first matching entry that lists the
	// role grants access
	for _, perm := range permissions {
		if matchRoute(perm.Pattern, path) && (perm.Method == "*" || perm.Method == method) {
			for _, r := range perm.Roles {
				if r == role {
					return true
				}
			}
			// Matched pattern but role not in list — check if there's a more specific match
			continue
		}
	}

	// Agent role: read anything, send messages, nothing else.
	if role == RoleAgent {
		if method == "GET" && strings.HasPrefix(path, "/control/") {
			return true
		}
		return method == "POST" && path == "/control/messages"
	}

	// Readonly: any GET on /control/.
	if role == RoleReadonly {
		return method == "GET" && strings.HasPrefix(path, "/control/")
	}

	return false
}

// matchRoute checks if a path matches a route pattern (prefix-based with {id} wildcards).
func matchRoute(pattern, path string) bool {
	// Simple prefix matching with wildcard segments
	patParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")

	if len(pathParts) < len(patParts) {
		// Allow prefix match if pattern ends with empty last segment
		if pattern == "/api/" && strings.HasPrefix(path, "/api") {
			return true
		}
		return false
	}

	for i, pp := range patParts {
		if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
			continue // wildcard
		}
		if pp != pathParts[i] {
			return false
		}
	}
	return true
}
