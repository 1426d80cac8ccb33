package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

type apiKeyEntry struct {
	hash  [sha256.Size]byte
	orgID string
	roles []Role
}

// APIKeyAuthenticator validates API keys from request headers.
type APIKeyAuthenticator struct {
	keys []apiKeyEntry
}

// NewAPIKeyAuthenticator creates a new API key authenticator.
func NewAPIKeyAuthenticator(config *Config) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{}
	for _, k := range config.APIKeys {
		roles := k.Roles
		if len(roles) == 0 {
			roles = []Role{RoleOperator}
		}
		a.keys = append(a.keys, apiKeyEntry{
			hash:  sha256.Sum256([]byte(k.Key)),
			orgID: k.OrgID,
			roles: roles,
		})
	}
	return a
}

// Authenticate extracts and validates the API key from the request.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*User, error) {
	key := extractAPIKey(r)
	if key == "" {
		return nil, ErrMissingCredentials
	}

	hash := sha256.Sum256([]byte(key))
	for _, entry := range a.keys {
		if subtle.ConstantTimeCompare(hash[:], entry.hash[:]) == 1 {
			return &User{
				ID:    hex.EncodeToString(hash[:])[:16],
				OrgID: entry.orgID,
				Roles: entry.roles,
			}, nil
		}
	}
	return nil, ErrInvalidCredentials
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return bearerToken(r)
}

// bearerToken returns the token of an "Authorization: Bearer" header.
// Browsers cannot set headers on EventSource, so streams may pass it as the
// access_token query parameter instead.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimPrefix(auth, bearerPrefix)
	}
	if strings.HasPrefix(r.URL.Path, "/streams/") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
