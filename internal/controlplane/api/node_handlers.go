package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bc-dunia/satori/internal/auth"
	"github.com/bc-dunia/satori/internal/store"
	"github.com/bc-dunia/satori/internal/types"
)

// credentialFingerprint shortens a credential hash for logs and rate limiting.
func credentialFingerprint(key string) string {
	return store.HashCredential(key)[:16]
}

// handleProvisionNode handles POST /api/v1/nodes.
func (s *Server) handleProvisionNode(w http.ResponseWriter, r *http.Request) {
	if !s.requireRoles(w, r, auth.RoleOperator) {
		return
	}

	var req ProvisionNodeRequest
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Invalid JSON request body",
			map[string]any{"parse_error": err.Error()},
		))
		return
	}

	user := principal(r)
	node, key, err := s.ingest.Provision(r.Context(), user.OrgID, req.Name,
		time.Duration(req.TransmissionInterval)*time.Second)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &ProvisionNodeResponse{Node: node, APIKey: key})
}

// handleRegisterNode handles POST /api/v1/nodes/register.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}

	var facts types.HostFacts
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&facts); err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Invalid JSON request body",
			map[string]any{"parse_error": err.Error()},
		))
		return
	}

	node, err := s.ingest.Register(r.Context(), r.Header.Get(HeaderNodeKey), facts)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &RegisterNodeResponse{
		NodeID:     node.ID,
		ServerTime: time.Now().Unix(),
	})
}

// handleIngest handles POST /api/v1/telemetry/ingest.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}

	encrypted := false
	if v := strings.TrimSpace(r.Header.Get(HeaderEncrypted)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
				"X-Encrypted must be true or false",
				map[string]any{"header": HeaderEncrypted, "value": v},
			))
			return
		}
		encrypted = b
	}

	body, err := io.ReadAll(limitedBody(w, r))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, NewInvalidRequestErrorResponse(
				"Request body too large",
				map[string]any{"limit_bytes": maxErr.Limit},
			))
			return
		}
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse("Failed to read request body", nil))
		return
	}

	res, err := s.ingest.Ingest(r.Context(), r.Header.Get(HeaderNodeKey), body, encrypted)
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &IngestResponse{
		Status:     "success",
		Accepted:   res.Accepted,
		Events:     len(res.Events),
		NodeStatus: res.Status,
	})
}

// handleListNodes handles GET /api/v1/nodes. Admins may pass ?org_id= to
// list another organization.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	user := principal(r)
	orgID := user.OrgID
	if q := r.URL.Query().Get("org_id"); q != "" {
		if !user.CanAccessOrg(q) {
			s.writeError(w, http.StatusForbidden, newForbiddenOrgResponse(q))
			return
		}
		orgID = q
	}

	nodes, err := s.store.ListNodes(r.Context(), orgID)
	if err != nil {
		s.logger.Error("list nodes", "org_id", orgID, "error", err)
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Failed to list nodes"))
		return
	}
	if nodes == nil {
		nodes = []*types.Node{}
	}
	s.writeJSON(w, http.StatusOK, &ListNodesResponse{Nodes: nodes})
}

// handleGetNode handles GET /api/v1/nodes/{id}.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	if node := s.authorizedNode(w, r, nodeID); node != nil {
		s.writeJSON(w, http.StatusOK, node)
	}
}

// handleNodeMetrics handles GET /api/v1/nodes/{id}/metrics.
func (s *Server) handleNodeMetrics(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	q := r.URL.Query()
	query := store.SampleQuery{NodeID: nodeID}
	var bad []string
	if v := q.Get("kind"); v != "" {
		if _, err := types.NewPayload(types.PayloadKind(v)); err != nil {
			bad = append(bad, "kind")
		}
		query.Kind = types.PayloadKind(v)
	}
	if v := q.Get("category"); v != "" {
		c, err := types.ParseCategory(v)
		if err != nil {
			bad = append(bad, "category")
		}
		query.Category = c
	}
	query.From, query.To, query.Limit, bad = parseWindow(q.Get("from"), q.Get("to"), q.Get("limit"), bad)
	if len(bad) > 0 {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Invalid query parameters",
			map[string]any{"params": bad},
		))
		return
	}

	if s.authorizedNode(w, r, nodeID) == nil {
		return
	}
	samples, err := s.store.QuerySamples(r.Context(), query)
	if err != nil {
		s.logger.Error("query samples", "node_id", nodeID, "error", err)
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Failed to query metrics"))
		return
	}
	if samples == nil {
		samples = []types.MetricSample{}
	}
	s.writeJSON(w, http.StatusOK, &NodeMetricsResponse{NodeID: nodeID, Samples: samples})
}

// handleNodeEvents handles GET /api/v1/nodes/{id}/events.
func (s *Server) handleNodeEvents(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	q := r.URL.Query()
	query := store.EventQuery{NodeID: nodeID}
	var bad []string
	if v := q.Get("min_severity"); v != "" {
		sev, err := types.ParseSeverity(v)
		if err != nil {
			bad = append(bad, "min_severity")
		}
		query.MinSeverity = sev
	}
	query.From, query.To, query.Limit, bad = parseWindow(q.Get("from"), q.Get("to"), q.Get("limit"), bad)
	if len(bad) > 0 {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Invalid query parameters",
			map[string]any{"params": bad},
		))
		return
	}

	if s.authorizedNode(w, r, nodeID) == nil {
		return
	}
	events, err := s.store.QueryEvents(r.Context(), query)
	if err != nil {
		s.logger.Error("query events", "node_id", nodeID, "error", err)
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Failed to query events"))
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	s.writeJSON(w, http.StatusOK, &NodeEventsResponse{NodeID: nodeID, Events: events})
}

// parseWindow reads RFC 3339 from/to bounds and a limit, appending the names
// of malformed parameters to bad.
func parseWindow(from, to, limit string, bad []string) (time.Time, time.Time, int, []string) {
	var f, t time.Time
	var n int
	var err error
	if from != "" {
		if f, err = time.Parse(time.RFC3339, from); err != nil {
			bad = append(bad, "from")
		}
	}
	if to != "" {
		if t, err = time.Parse(time.RFC3339, to); err != nil {
			bad = append(bad, "to")
		}
	}
	if !f.IsZero() && !t.IsZero() && t.Before(f) {
		bad = append(bad, "to")
	}
	if limit != "" {
		if n, err = strconv.Atoi(limit); err != nil || n < 0 {
			bad = append(bad, "limit")
		}
	}
	return f, t, n, bad
}

// handleRetireNode handles POST /api/v1/nodes/{id}/retire.
func (s *Server) handleRetireNode(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	if !s.requireRoles(w, r, auth.RoleOperator) || s.authorizedNode(w, r, nodeID) == nil {
		return
	}

	node, err := s.store.RetireNode(r.Context(), nodeID, time.Now().UTC())
	if err != nil {
		s.writeStoreError(w, nodeID, "retire node", err)
		return
	}
	s.logger.Info("node retired", "node_id", nodeID, "actor", principal(r).ID)
	s.bus.PublishStatus(r.Context(), node)
	s.writeJSON(w, http.StatusOK, node)
}

// handleMaintenance handles POST /api/v1/nodes/{id}/maintenance.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	if !s.requireRoles(w, r, auth.RoleOperator) {
		return
	}

	var req MaintenanceRequest
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&req); err != nil || req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Body must be {\"enabled\": true|false}",
			map[string]any{"field": "enabled"},
		))
		return
	}
	if s.authorizedNode(w, r, nodeID) == nil {
		return
	}

	node, err := s.store.SetMaintenance(r.Context(), nodeID, *req.Enabled)
	if err != nil {
		s.writeStoreError(w, nodeID, "set maintenance", err)
		return
	}
	s.logger.Info("node maintenance changed", "node_id", nodeID, "enabled", *req.Enabled, "actor", principal(r).ID)
	s.bus.PublishStatus(r.Context(), node)
	s.writeJSON(w, http.StatusOK, node)
}

func (s *Server) writeStoreError(w http.ResponseWriter, nodeID, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, NewNotFoundErrorResponse(nodeID))
	case errors.Is(err, store.ErrRetired):
		s.writeError(w, http.StatusConflict, &ErrorResponse{
			ErrorType:    ErrorTypeInvalidArgument,
			ErrorCode:    "NODE_RETIRED",
			ErrorMessage: "Node is retired",
			Details:      map[string]any{"node_id": nodeID},
		})
	default:
		s.logger.Error(op, "node_id", nodeID, "error", err)
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Failed to "+op))
	}
}
