package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bc-dunia/satori/internal/bus"
)

const (
	// maxClientMessageLength bounds the text of a client message, in characters.
	maxClientMessageLength = 1024

	clientMessageAnnotation = "annotation"
)

// handleNodeStream handles GET /streams/nodes/{id}.
func (s *Server) handleNodeStream(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	if s.authorizedNode(w, r, nodeID) == nil {
		return
	}
	s.serveStream(w, r, bus.NodeKey(nodeID))
}

// handleAccountStream handles GET /streams/accounts/{id}.
func (s *Server) handleAccountStream(w http.ResponseWriter, r *http.Request, orgID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	if !principal(r).CanAccessOrg(orgID) {
		s.writeError(w, http.StatusForbidden, newForbiddenOrgResponse(orgID))
		return
	}
	s.serveStream(w, r, bus.AccountKey(orgID))
}

// serveStream relays every message published on key as a server-sent event
// until the client disconnects or the server shuts down.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, key string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Streaming not supported"))
		return
	}

	s.mu.Lock()
	keepalive := s.streamConfig.KeepaliveInterval
	s.mu.Unlock()
	if keepalive <= 0 {
		keepalive = DefaultStreamConfig().KeepaliveInterval
	}

	sub := s.bus.Subscribe(key)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("stream opened", "key", key, "principal", principal(r).ID)
	defer func() {
		s.logger.Debug("stream closed", "key", key, "dropped", sub.Dropped())
	}()

	ctx := r.Context()
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.streamsDone:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes msg as one SSE event named after its type.
func writeEvent(w http.ResponseWriter, msg bus.Message) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, msg.Data)
	return err
}

// handleClientMessage handles POST /streams/nodes/{id}/messages. Only
// structured annotations are accepted and they reach the room re-wrapped with
// the sender, never verbatim.
func (s *Server) handleClientMessage(w http.ResponseWriter, r *http.Request, nodeID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}

	s.mu.Lock()
	allowed := s.streamConfig.AllowClientMessages
	s.mu.Unlock()
	if !allowed {
		s.writeError(w, http.StatusForbidden, &ErrorResponse{
			ErrorType:    ErrorTypeForbidden,
			ErrorCode:    ErrorCodeMessagesDisabled,
			ErrorMessage: "Client messages are disabled",
		})
		return
	}

	user := principal(r)
	if user == nil {
		s.writeError(w, http.StatusUnauthorized, &ErrorResponse{
			ErrorType:    ErrorTypeAuth,
			ErrorCode:    "MISSING_PRINCIPAL",
			ErrorMessage: "Client messages require an authenticated principal",
		})
		return
	}

	var req ClientMessageRequest
	dec := json.NewDecoder(limitedBody(w, r))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Invalid JSON request body",
			map[string]any{"parse_error": err.Error()},
		))
		return
	}
	if fields := validateClientMessage(req); len(fields) > 0 {
		s.writeError(w, http.StatusBadRequest, &ErrorResponse{
			ErrorType:    ErrorTypeValidation,
			ErrorCode:    ErrorCodeValidationFailed,
			ErrorMessage: "Invalid client message",
			Details:      map[string]any{"fields": fields},
		})
		return
	}

	if s.authorizedNode(w, r, nodeID) == nil {
		return
	}

	msg := ClientMessage{
		Type:   clientMessageAnnotation,
		Text:   strings.TrimSpace(req.Text),
		Sender: user.ID,
		SentAt: time.Now().UTC(),
	}
	if err := s.bus.Publish(r.Context(), bus.NodeKey(nodeID), bus.TypeMessage, msg); err != nil {
		s.logger.Error("publish client message", "node_id", nodeID, "error", err)
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse("Failed to publish message"))
		return
	}
	s.writeJSON(w, http.StatusAccepted, &msg)
}

func validateClientMessage(req ClientMessageRequest) map[string]string {
	fields := map[string]string{}
	if req.Type != clientMessageAnnotation {
		fields["type"] = "must be " + clientMessageAnnotation
	}
	text := strings.TrimSpace(req.Text)
	switch {
	case text == "":
		fields["text"] = "is required"
	case !utf8.ValidString(text):
		fields["text"] = "must be valid UTF-8"
	case utf8.RuneCountInString(text) > maxClientMessageLength:
		fields["text"] = fmt.Sprintf("must be at most %d characters", maxClientMessageLength)
	}
	return fields
}
