package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bc-dunia/satori/internal/auth"
	"github.com/bc-dunia/satori/internal/ingest"
	"github.com/bc-dunia/satori/internal/store"
	"github.com/bc-dunia/satori/internal/types"
)

// maxRequestBodySize is the maximum allowed request body size.
const maxRequestBodySize = 4 * 1024 * 1024

// limitedBody returns a reader that limits the body size.
// Use this before json.NewDecoder to prevent memory exhaustion.
func limitedBody(w http.ResponseWriter, r *http.Request) io.Reader {
	return http.MaxBytesReader(w, r.Body, maxRequestBodySize)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
}

// handleReadyz reports ready once the store answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	ready := s.store != nil && s.ingest != nil
	if ready {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		ready = s.store.Ping(ctx) == nil
		cancel()
	}
	if !ready {
		s.writeJSON(w, http.StatusServiceUnavailable, &ReadyResponse{Status: "not_ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, &ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	s.mu.Lock()
	mc := s.metricsCollector
	s.mu.Unlock()
	if mc == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeUnavailable,
			ErrorCode:    "METRICS_NOT_CONFIGURED",
			ErrorMessage: "Metrics collector not configured",
		})
		return
	}
	mc.Handler().ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errResp *ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errResp)
}

func (s *Server) writeAuthError(w http.ResponseWriter, err *auth.AuthError) {
	s.writeError(w, err.StatusCode, &ErrorResponse{
		ErrorType:    err.ErrorType,
		ErrorCode:    err.ErrorCode,
		ErrorMessage: err.Message,
	})
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, method, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    ErrorCodeMethodNotAllowed,
		ErrorMessage: "Method not allowed",
		Details: map[string]any{
			"method":  method,
			"allowed": allowed,
		},
	})
}

func (s *Server) writeNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, &ErrorResponse{
		ErrorType:    ErrorTypeNotFound,
		ErrorCode:    ErrorCodeEndpointNotFound,
		ErrorMessage: "Endpoint not found",
		Details:      map[string]any{"path": r.URL.Path},
	})
}

// writeIngestError maps an ingestion error kind onto the error envelope.
// Causes of internal errors are logged, never returned.
func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	e, ok := ingest.AsError(err)
	if !ok {
		s.logger.Error("unclassified ingest error", "error", err)
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Internal error"))
		return
	}

	details := map[string]any{}
	if e.NodeID != "" {
		details["node_id"] = e.NodeID
	}

	switch e.Kind {
	case ingest.KindAuth:
		s.writeError(w, http.StatusUnauthorized, &ErrorResponse{
			ErrorType:    ErrorTypeAuth,
			ErrorCode:    ErrorCodeInvalidCredential,
			ErrorMessage: e.Message,
		})
	case ingest.KindDecode:
		if e.Cause != nil {
			details["cause"] = e.Cause.Error()
		}
		s.writeError(w, http.StatusBadRequest, &ErrorResponse{
			ErrorType:    ErrorTypeDecode,
			ErrorCode:    ErrorCodeDecodeFailed,
			ErrorMessage: e.Message,
			Details:      details,
		})
	case ingest.KindValidation:
		details["fields"] = e.Fields()
		s.writeError(w, http.StatusBadRequest, &ErrorResponse{
			ErrorType:    ErrorTypeValidation,
			ErrorCode:    ErrorCodeValidationFailed,
			ErrorMessage: e.Message,
			Details:      details,
		})
	default:
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Internal error"))
	}
}

// principal returns the authenticated operator. The auth middleware always
// sets one, anonymous when auth is disabled.
func principal(r *http.Request) *auth.User {
	return auth.GetUserFromContext(r.Context())
}

// authorizedNode loads nodeID and checks the principal may see it. It writes
// the error response and returns nil when not.
func (s *Server) authorizedNode(w http.ResponseWriter, r *http.Request, nodeID string) *types.Node {
	node, err := s.store.GetNode(r.Context(), nodeID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, NewNotFoundErrorResponse(nodeID))
		return nil
	}
	if err != nil {
		s.logger.Error("load node", "node_id", nodeID, "error", err)
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Failed to load node"))
		return nil
	}
	// Nodes of other organizations are reported as missing.
	if !principal(r).CanAccessOrg(node.OrgID) {
		s.writeError(w, http.StatusNotFound, NewNotFoundErrorResponse(nodeID))
		return nil
	}
	return node
}

// requireRoles writes 403 and returns false unless the principal holds one of
// roles.
func (s *Server) requireRoles(w http.ResponseWriter, r *http.Request, roles ...auth.Role) bool {
	if principal(r).HasAnyRole(roles...) {
		return true
	}
	s.writeAuthError(w, auth.ErrForbidden)
	return false
}
