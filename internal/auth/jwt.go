package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

// Claims are the JWT claims the collector understands.
type Claims struct {
	OrgID string   `json:"org"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a new JWT authenticator.
func NewJWTAuthenticator(config *Config) *JWTAuthenticator {
	opts := []jwt.ParserOption{jwt.WithLeeway(30 * time.Second)}
	if config.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(config.JWTIssuer))
	}
	return &JWTAuthenticator{
		secret: []byte(config.JWTSecret),
		parser: jwt.NewParser(opts...),
	}
}

// Authenticate extracts and validates the JWT from the request.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*User, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, ErrMissingCredentials
	}

	claims, err := a.validateToken(token)
	if err != nil {
		return nil, err
	}
	if claims.OrgID == "" {
		return nil, &AuthError{
			StatusCode: http.StatusUnauthorized,
			ErrorType:  "auth",
			ErrorCode:  "MISSING_ORG_CLAIM",
			Message:    "Token carries no organization",
		}
	}

	roles := make([]Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, Role(r))
	}
	if len(roles) == 0 {
		roles = []Role{RoleViewer}
	}

	return &User{
		ID:    claims.Subject,
		OrgID: claims.OrgID,
		Roles: roles,
	}, nil
}

func (a *JWTAuthenticator) validateToken(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, &AuthError{
			StatusCode: http.StatusInternalServerError,
			ErrorType:  "internal",
			ErrorCode:  "JWT_SECRET_REQUIRED",
			Message:    "JWT secret is not configured",
		}
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errUnsupportedAlgorithm
		}
		return a.secret, nil
	})
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, &AuthError{
			StatusCode: http.StatusUnauthorized,
			ErrorType:  "auth",
			ErrorCode:  "TOKEN_EXPIRED",
			Message:    "Token has expired",
		}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return nil, &AuthError{
			StatusCode: http.StatusUnauthorized,
			ErrorType:  "auth",
			ErrorCode:  "INVALID_ISSUER",
			Message:    "Invalid token issuer",
		}
	case errors.Is(err, errUnsupportedAlgorithm):
		return nil, &AuthError{
			StatusCode: http.StatusUnauthorized,
			ErrorType:  "auth",
			ErrorCode:  "UNSUPPORTED_ALGORITHM",
			Message:    "Only HS256 algorithm is supported",
		}
	default:
		return nil, ErrInvalidCredentials
	}
}

// IssueToken signs an HS256 token for orgID valid for ttl.
func IssueToken(secret, issuer, subject, orgID string, roles []Role, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	claims := Claims{
		OrgID: orgID,
		Roles: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
