// Package auth authenticates operators and account principals of the
// collector API.
//
// Node agents are not authenticated here: they present a node credential
// that the ingestion service resolves itself.
package auth

import (
	"context"
	"fmt"
)

// AuthMode defines the authentication mode.
type AuthMode string

const (
	// AuthModeNone disables authentication.
	AuthModeNone AuthMode = "none"
	// AuthModeAPIKey enables API key authentication.
	AuthModeAPIKey AuthMode = "api_key"
	// AuthModeJWT enables JWT bearer token authentication.
	AuthModeJWT AuthMode = "jwt"
)

// Role defines user roles for RBAC.
type Role string

const (
	// RoleAdmin has full access to all operations.
	RoleAdmin Role = "admin"
	// RoleOperator can provision and manage nodes.
	RoleOperator Role = "operator"
	// RoleViewer can only read data and subscribe to streams.
	RoleViewer Role = "viewer"
)

// APIKey is one configured operator key.
type APIKey struct {
	Key   string `yaml:"key"`
	OrgID string `yaml:"org_id"`
	Roles []Role `yaml:"roles,omitempty"`
}

// Config holds authentication configuration.
type Config struct {
	// Mode is the authentication mode (none, api_key, jwt).
	Mode AuthMode `yaml:"mode"`
	// APIKeys are the accepted keys in api_key mode. Keys without roles
	// default to RoleOperator.
	APIKeys []APIKey `yaml:"api_keys,omitempty"`
	// JWTSecret is the HMAC secret for JWT validation.
	JWTSecret string `yaml:"jwt_secret,omitempty"`
	// JWTIssuer is the expected issuer for JWT tokens.
	JWTIssuer string `yaml:"jwt_issuer,omitempty"`
	// DefaultOrg is the organization assumed when auth is disabled.
	DefaultOrg string `yaml:"default_org,omitempty"`
	// SkipPaths are paths that don't require authentication.
	// /healthz and /readyz are always skipped.
	SkipPaths []string `yaml:"skip_paths,omitempty"`
}

// DefaultConfig returns a default configuration with auth disabled.
func DefaultConfig() *Config {
	return &Config{
		Mode:       AuthModeNone,
		DefaultOrg: "default",
		SkipPaths:  []string{"/healthz", "/readyz", "/metrics"},
	}
}

// Validate checks mode-specific requirements.
func (c *Config) Validate() error {
	switch c.Mode {
	case AuthModeNone, "":
	case AuthModeAPIKey:
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("auth mode %s requires at least one api key", c.Mode)
		}
		for i, k := range c.APIKeys {
			if k.Key == "" || k.OrgID == "" {
				return fmt.Errorf("api_keys[%d]: key and org_id are required", i)
			}
		}
	case AuthModeJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("auth mode %s requires jwt_secret", c.Mode)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}
	return nil
}

// Enabled reports whether requests are authenticated.
func (c *Config) Enabled() bool {
	return c.Mode != AuthModeNone && c.Mode != ""
}

// NewAuthenticator returns the authenticator for the configured mode, or nil
// when auth is disabled.
func NewAuthenticator(c *Config) (Authenticator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Mode {
	case AuthModeAPIKey:
		return NewAPIKeyAuthenticator(c), nil
	case AuthModeJWT:
		return NewJWTAuthenticator(c), nil
	default:
		return nil, nil
	}
}

// User represents an authenticated principal.
type User struct {
	// ID is the user identifier (API key hash prefix or JWT subject).
	ID string
	// OrgID is the organization the principal acts for.
	OrgID string
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

// CanAccessOrg reports whether the user may read orgID's data.
func (u *User) CanAccessOrg(orgID string) bool {
	if u == nil {
		return false
	}
	return u.OrgID == orgID || u.HasRole(RoleAdmin)
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

// HasRole checks if the user in the context has a specific role.
func HasRole(ctx context.Context, role Role) bool {
	user := GetUserFromContext(ctx)
	return user.HasRole(role)
}
