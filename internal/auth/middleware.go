package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Authenticator validates credentials and returns a user.
type Authenticator interface {
	Authenticate(r *http.Request) (*User, error)
}

// AuthError is an authentication or authorization failure together with the
// HTTP status and error code it is reported under.
type AuthError struct {
	StatusCode int
	ErrorType  string
	ErrorCode  string
	Message    string
}

func (e *AuthError) Error() string {
	return e.Message
}

var (
	ErrMissingCredentials = &AuthError{
		StatusCode: http.StatusUnauthorized,
		ErrorType:  "auth",
		ErrorCode:  "MISSING_CREDENTIALS",
		Message:    "Missing authentication credentials",
	}
	ErrInvalidCredentials = &AuthError{
		StatusCode: http.StatusUnauthorized,
		ErrorType:  "auth",
		ErrorCode:  "INVALID_CREDENTIALS",
		Message:    "Invalid authentication credentials",
	}
	ErrForbidden = &AuthError{
		StatusCode: http.StatusForbidden,
		ErrorType:  "forbidden",
		ErrorCode:  "INSUFFICIENT_PERMISSIONS",
		Message:    "Insufficient permissions for this operation",
	}
	errMisconfigured = &AuthError{
		StatusCode: http.StatusInternalServerError,
		ErrorType:  "internal",
		ErrorCode:  "INVALID_AUTH_MODE",
		Message:    "Authentication is misconfigured",
	}
	errUnclassified = &AuthError{
		StatusCode: http.StatusInternalServerError,
		ErrorType:  "internal",
		ErrorCode:  "INTERNAL_ERROR",
		Message:    "Internal authentication error",
	}
)

// AsAuthError returns the *AuthError in err's chain. Any other error is
// reported as an internal failure so its text never reaches the client.
func AsAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return errUnclassified
}

// ErrorWriter renders a rejected request. The HTTP layer supplies one so
// auth failures share its error envelope.
type ErrorWriter func(w http.ResponseWriter, err *AuthError)

// Middleware attaches the request principal to the context, rejecting
// requests whose credentials do not authenticate.
type Middleware struct {
	config        *Config
	authenticator Authenticator
	onError       ErrorWriter
	skipPaths     []string
}

// NewMiddleware creates the authentication middleware. A nil onError falls
// back to a plain-text response.
func NewMiddleware(config *Config, authenticator Authenticator, onError ErrorWriter) *Middleware {
	if onError == nil {
		onError = func(w http.ResponseWriter, err *AuthError) {
			http.Error(w, err.Message, err.StatusCode)
		}
	}
	return &Middleware{
		config:        config,
		authenticator: authenticator,
		onError:       onError,
		skipPaths:     append([]string{"/healthz", "/readyz"}, config.SkipPaths...),
	}
}

// Enabled reports whether the middleware authenticates requests.
func (m *Middleware) Enabled() bool { return m.config.Enabled() }

// Handler wraps next. With auth disabled every request runs as an admin of
// the default organization.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case !m.config.Enabled():
			anon := &User{ID: "anonymous", OrgID: m.config.DefaultOrg, Roles: []Role{RoleAdmin}}
			next.ServeHTTP(w, r.WithContext(SetUserInContext(r.Context(), anon)))
		case m.skipped(r.URL.Path):
			next.ServeHTTP(w, r)
		case m.authenticator == nil:
			m.onError(w, errMisconfigured)
		default:
			user, err := m.authenticator.Authenticate(r)
			if err != nil {
				m.onError(w, AsAuthError(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(SetUserInContext(r.Context(), user)))
		}
	})
}

// skipped matches a skip path exactly or as a parent segment, so "/metrics"
// covers "/metrics/x" but not "/metricsx".
func (m *Middleware) skipped(path string) bool {
	for _, p := range m.skipPaths {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
