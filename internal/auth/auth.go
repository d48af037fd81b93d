// Package auth provides authentication and authorization for the preforkd admin API.
package auth

import (
	"context"
)

// AuthMode defines the authentication mode.
type AuthMode string

const (
	// AuthModeNone disables authentication (default; the admin API binds loopback).
	AuthModeNone AuthMode = "none"
	// AuthModeToken enables static bearer token authentication.
	AuthModeToken AuthMode = "token"
)

// Role defines operator roles for RBAC.
type Role string

const (
	// RoleAdmin has full access to all operations.
	RoleAdmin Role = "admin"
	// RoleOperator can trigger reloads and stops.
	RoleOperator Role = "operator"
	// RoleViewer can only read pool state.
	RoleViewer Role = "viewer"
)

// Config holds authentication configuration.
type Config struct {
	// Mode is the authentication mode (none, token).
	Mode AuthMode `json:"mode"`
	// Tokens is a list of valid admin tokens (for token mode).
	// Each token can optionally have role mappings via TokenRoles.
	Tokens []string `json:"-"`
	// TokenRoles maps tokens to their roles.
	// If a token is not in this map, it defaults to RoleOperator.
	TokenRoles map[string][]Role `json:"-"`
	// SkipPaths are paths that don't require authentication.
	// /healthz and /readyz are always skipped.
	SkipPaths []string `json:"skip_paths,omitempty"`
}

// DefaultConfig returns a default configuration with auth disabled.
func DefaultConfig() *Config {
	return &Config{
		Mode:      AuthModeNone,
		SkipPaths: []string{"/healthz", "/readyz"},
	}
}

// User represents an authenticated operator.
type User struct {
	// ID is the user identifier (token hash prefix).
	ID string
	// Roles are the roles assigned to this user.
	Roles []Role
}

// HasRole checks if the user has a specific role.
func (u *User) HasRole(role Role) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// HasAnyRole checks if the user has any of the specified roles.
func (u *User) HasAnyRole(roles ...Role) bool {
	for _, role := range roles {
		if u.HasRole(role) {
			return true
		}
	}
	return false
}

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey struct{ name string }

var (
	userContextKey = &contextKey{"user"}
)

// SetUserInContext stores the user in the context.
func SetUserInContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// GetUserFromContext retrieves the user from the context.
// Returns nil if no user is set.
func GetUserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// GetRolesFromContext retrieves the user's roles from the context.
// Returns nil if no user is set.
func GetRolesFromContext(ctx context.Context) []Role {
	user := GetUserFromContext(ctx)
	if user == nil {
		return nil
	}
	return user.Roles
}

// HasRole checks if the user in the context has a specific role.
func HasRole(ctx context.Context, role Role) bool {
	user := GetUserFromContext(ctx)
	return user.HasRole(role)
}

// HasAnyRole checks if the user in the context has any of the specified roles.
func HasAnyRole(ctx context.Context, roles ...Role) bool {
	user := GetUserFromContext(ctx)
	if user == nil {
		return false
	}
	return user.HasAnyRole(roles...)
}
