package api

import (
	"time"

	"github.com/bc-dunia/satori/internal/types"
)

// ProvisionNodeRequest is the request body for POST /api/v1/nodes.
type ProvisionNodeRequest struct {
	Name string `json:"name"`
	// TransmissionInterval is in seconds; zero selects the default.
	TransmissionInterval int `json:"transmission_interval,omitempty"`
}

// ProvisionNodeResponse is the response body for POST /api/v1/nodes.
// APIKey is only ever returned here.
type ProvisionNodeResponse struct {
	Node   *types.Node `json:"node"`
	APIKey string      `json:"api_key"`
}

// RegisterNodeResponse is the response body for POST /api/v1/nodes/register.
type RegisterNodeResponse struct {
	NodeID     string `json:"node_id"`
	ServerTime int64  `json:"server_time"` // Unix seconds
}

// IngestResponse is the response body for POST /api/v1/telemetry/ingest.
type IngestResponse struct {
	Status     string           `json:"status"`
	Accepted   int              `json:"accepted"`
	Events     int              `json:"events"`
	NodeStatus types.NodeStatus `json:"node_status"`
}

// ListNodesResponse is the response body for GET /api/v1/nodes.
type ListNodesResponse struct {
	Nodes []*types.Node `json:"nodes"`
}

// NodeMetricsResponse is the response body for GET /api/v1/nodes/{id}/metrics.
type NodeMetricsResponse struct {
	NodeID  string               `json:"node_id"`
	Samples []types.MetricSample `json:"samples"`
}

// NodeEventsResponse is the response body for GET /api/v1/nodes/{id}/events.
type NodeEventsResponse struct {
	NodeID string        `json:"node_id"`
	Events []types.Event `json:"events"`
}

// MaintenanceRequest is the request body for POST /api/v1/nodes/{id}/maintenance.
type MaintenanceRequest struct {
	Enabled *bool `json:"enabled"`
}

// ClientMessageRequest is what a subscriber may post into a node room.
type ClientMessageRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientMessage is the server-built form of a client message as delivered to
// the room.
type ClientMessage struct {
	Type   string    `json:"type"`
	Text   string    `json:"text"`
	Sender string    `json:"sender"`
	SentAt time.Time `json:"sent_at"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	ErrorType    string         `json:"error_type"`
	ErrorCode    string         `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	Retryable    bool           `json:"retryable"`
	Details      map[string]any `json:"details,omitempty"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response body for GET /readyz.
type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

// ErrorType constants for API errors. auth, decode, validation and internal
// mirror the ingestion error kinds.
const (
	ErrorTypeAuth            = "auth"
	ErrorTypeDecode          = "decode"
	ErrorTypeValidation      = "validation"
	ErrorTypeInternal        = "internal"
	ErrorTypeInvalidArgument = "invalid_argument"
	ErrorTypeNotFound        = "not_found"
	ErrorTypeForbidden       = "forbidden"
	ErrorTypeRateLimited     = "rate_limited"
	ErrorTypeUnavailable     = "unavailable"
)

// ErrorCode constants for specific error conditions.
const (
	ErrorCodeInvalidCredential = "INVALID_NODE_CREDENTIAL"
	ErrorCodeDecodeFailed      = "DECODE_FAILED"
	ErrorCodeValidationFailed  = "VALIDATION_FAILED"
	ErrorCodeNodeNotFound      = "NODE_NOT_FOUND"
	ErrorCodeInvalidRequest    = "INVALID_REQUEST"
	ErrorCodeInternalError     = "INTERNAL_ERROR"
	ErrorCodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	ErrorCodeEndpointNotFound  = "ENDPOINT_NOT_FOUND"
	ErrorCodeOrgForbidden      = "ORG_FORBIDDEN"
	ErrorCodeMessagesDisabled  = "CLIENT_MESSAGES_DISABLED"
)

// NewNotFoundErrorResponse creates an error response for an unknown node.
func NewNotFoundErrorResponse(nodeID string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeNotFound,
		ErrorCode:    ErrorCodeNodeNotFound,
		ErrorMessage: "Node not found",
		Details:      map[string]any{"node_id": nodeID},
	}
}

// NewInvalidRequestErrorResponse creates an error response for invalid requests.
func NewInvalidRequestErrorResponse(message string, details map[string]any) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    ErrorCodeInvalidRequest,
		ErrorMessage: message,
		Details:      details,
	}
}

// NewInternalErrorResponse creates an error response for internal errors.
func NewInternalErrorResponse(message string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeInternal,
		ErrorCode:    ErrorCodeInternalError,
		ErrorMessage: message,
		Retryable:    true,
	}
}

func newForbiddenOrgResponse(orgID string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeForbidden,
		ErrorCode:    ErrorCodeOrgForbidden,
		ErrorMessage: "Principal may not access this organization",
		Details:      map[string]any{"org_id": orgID},
	}
}
