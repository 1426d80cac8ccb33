// Package store persists nodes, metric samples and events.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bc-dunia/satori/internal/types"
)

var (
	// ErrNotFound is returned when a node does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique attribute is already taken.
	ErrConflict = errors.New("conflict")
	// ErrRetired is returned when writing to a retired node.
	ErrRetired = errors.New("node retired")
)

// DefaultQueryLimit caps query results when the caller passes no limit.
const DefaultQueryLimit = 500

// MaxQueryLimit is the largest limit a query honours.
const MaxQueryLimit = 5000

// HashCredential returns the stored form of a node API key.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Batch is one accepted ingestion, written as a single unit.
type Batch struct {
	NodeID string

	// Heartbeat is the batch timestamp. The node's last heartbeat becomes the
	// later of its current value and this one.
	Heartbeat time.Time

	// Status applies only when the batch is not older than the stored
	// heartbeat and the node is not in maintenance.
	Status types.NodeStatus

	Samples []types.MetricSample
	Events  []types.Event
}

// SampleQuery selects metric samples of one node, oldest first.
type SampleQuery struct {
	NodeID   string
	Kind     types.PayloadKind
	Category types.Category
	From     time.Time
	To       time.Time
	Limit    int
}

// EventQuery selects events, newest first.
type EventQuery struct {
	NodeID      string
	OrgID       string
	MinSeverity types.Severity
	From        time.Time
	To          time.Time
	Limit       int
}

// Store is the relational collaborator of the ingestion pipeline.
type Store interface {
	CreateNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id string) (*types.Node, error)
	GetNodeByCredential(ctx context.Context, credentialHash string) (*types.Node, error)
	ListNodes(ctx context.Context, orgID string) ([]*types.Node, error)
	UpdateRegistration(ctx context.Context, id string, facts types.HostFacts, at time.Time) (*types.Node, error)

	// CommitBatch writes samples, events and the heartbeat atomically and
	// returns the node as stored afterwards.
	CommitBatch(ctx context.Context, batch Batch) (*types.Node, error)

	QuerySamples(ctx context.Context, q SampleQuery) ([]types.MetricSample, error)
	QueryEvents(ctx context.Context, q EventQuery) ([]types.Event, error)

	// MarkOffline flips active nodes whose heartbeat predates before to
	// offline and returns them.
	MarkOffline(ctx context.Context, before time.Time) ([]*types.Node, error)
	SetMaintenance(ctx context.Context, id string, enabled bool) (*types.Node, error)
	RetireNode(ctx context.Context, id string, at time.Time) (*types.Node, error)
	DeleteSamplesBefore(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// statusAfterBatch decides the stored status once a batch is committed.
func statusAfterBatch(current types.NodeStatus, stored, incoming time.Time, next types.NodeStatus) types.NodeStatus {
	if current == types.NodeMaintenance || next == "" {
		return current
	}
	if !stored.IsZero() && incoming.Before(stored) {
		return current
	}
	return next
}
