package auth

import "context"

type userContextKey struct{}

type userInfo struct {
	id    string
	roles []string
}

// ContextWithUser attaches the authenticated user and roles to the context.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userInfo{id: userID, roles: dedupeRoles(roles)})
}

// UserIDFromContext extracts the authenticated user id.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userContextKey{}).(userInfo)
	if !ok || v.id == "" {
		return "", false
	}
	return v.id, true
}

// RolesFromContext returns the deduplicated role set, if any.
func RolesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Value(userContextKey{}).(userInfo)
	if !ok {
		return nil
	}
	return v.roles
}

// HasRole reports whether the context user carries the role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
