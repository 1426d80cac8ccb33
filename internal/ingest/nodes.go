package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/bc-dunia/satori/internal/store"
	"github.com/bc-dunia/satori/internal/types"
)

// APIKeyPrefix marks node credentials so they are recognisable in logs and
// secret scanners.
const APIKeyPrefix = "sat_node_"

// DefaultTransmissionInterval is assigned to nodes provisioned without one.
const DefaultTransmissionInterval = 30 * time.Second

// GenerateAPIKey returns a new random node credential.
func GenerateAPIKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(buf[:]), nil
}

// Provision creates a node in orgID. The returned API key is not stored and
// cannot be recovered later.
func (s *Service) Provision(ctx context.Context, orgID, name string, interval time.Duration) (*types.Node, string, error) {
	var fields []types.FieldError
	if strings.TrimSpace(orgID) == "" {
		fields = append(fields, types.FieldError{Field: "org_id", Reason: "is required"})
	}
	if interval < 0 {
		fields = append(fields, types.FieldError{Field: "transmission_interval", Reason: "must not be negative"})
	}
	if len(fields) > 0 {
		return nil, "", newValidationError("", &types.ValidationError{Fields: fields})
	}
	if interval == 0 {
		interval = DefaultTransmissionInterval
	}

	key, err := GenerateAPIKey()
	if err != nil {
		return nil, "", newInternalError("", "generate api key", err)
	}
	node := &types.Node{
		ID:                   s.newID(),
		OrgID:                orgID,
		Name:                 strings.TrimSpace(name),
		Status:               types.NodeOffline,
		CredentialHash:       store.HashCredential(key),
		TransmissionInterval: interval,
		CreatedAt:            s.now().UTC(),
	}
	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, "", newInternalError(node.ID, "create node", err)
	}
	s.logger.Info("node provisioned", "node_id", node.ID, "org_id", orgID)
	return node, key, nil
}

// Register records the host facts reported by the agent holding credential.
// Re-registering an active node only refreshes its facts.
func (s *Service) Register(ctx context.Context, credential string, facts types.HostFacts) (*types.Node, error) {
	node, err := s.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if err := facts.Validate(); err != nil {
		return nil, newValidationError(node.ID, err)
	}
	updated, err := s.store.UpdateRegistration(ctx, node.ID, facts, s.now().UTC())
	switch {
	case errors.Is(err, store.ErrRetired), errors.Is(err, store.ErrNotFound):
		return nil, newAuthError(node.ID, "node is no longer active")
	case err != nil:
		return nil, newInternalError(node.ID, "update registration", err)
	}
	s.logger.Info("node registered", "node_id", updated.ID, "hostname", facts.Hostname)
	return updated, nil
}
