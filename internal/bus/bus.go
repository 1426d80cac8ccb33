package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bc-dunia/satori/internal/types"
)

// Bridge forwards locally published messages to other server instances.
type Bridge interface {
	Forward(ctx context.Context, msg Message) error
}

// StatusChange is the payload of a status message.
type StatusChange struct {
	NodeID        string           `json:"node_id"`
	OrgID         string           `json:"org_id"`
	Status        types.NodeStatus `json:"status"`
	LastHeartbeat time.Time        `json:"last_heartbeat,omitzero"`
}

// Bus publishes domain items to the registry under their routing keys.
type Bus struct {
	registry *Registry
	bridge   Bridge
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithBridge forwards every publish through b as well.
func WithBridge(b Bridge) Option {
	return func(bus *Bus) { bus.bridge = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(bus *Bus) { bus.logger = l }
}

// New creates a Bus over registry.
func New(registry *Registry, opts ...Option) *Bus {
	b := &Bus{
		registry: registry,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the underlying subscription registry.
func (b *Bus) Registry() *Registry { return b.registry }

// Subscribe is a shorthand for Registry().Subscribe.
func (b *Bus) Subscribe(key string) *Subscription { return b.registry.Subscribe(key) }

// Publish encodes data and delivers it on key. Having no subscribers is not
// an error; only encoding failures are reported.
func (b *Bus) Publish(ctx context.Context, key string, typ MessageType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", typ, err)
	}
	msg := Message{Type: typ, Key: key, Data: raw, PublishedAt: b.now().UTC()}
	b.registry.Publish(msg)
	if b.bridge != nil {
		if err := b.bridge.Forward(ctx, msg); err != nil {
			b.logger.Warn("bus bridge forward failed", "key", key, "type", string(typ), "error", err)
		}
	}
	return nil
}

// PublishSamples sends each sample to its node room.
func (b *Bus) PublishSamples(ctx context.Context, samples []types.MetricSample) {
	for _, s := range samples {
		if err := b.Publish(ctx, NodeKey(s.NodeID), TypeMetric, s); err != nil {
			b.logger.Error("publish sample failed", "node_id", s.NodeID, "kind", string(s.Kind), "error", err)
		}
	}
}

// PublishEvents sends each event to its node room and its account room.
func (b *Bus) PublishEvents(ctx context.Context, events []types.Event) {
	for _, ev := range events {
		if err := b.Publish(ctx, NodeKey(ev.NodeID), TypeEvent, ev); err != nil {
			b.logger.Error("publish event failed", "node_id", ev.NodeID, "error", err)
			continue
		}
		if ev.OrgID != "" {
			_ = b.Publish(ctx, AccountKey(ev.OrgID), TypeEvent, ev)
		}
	}
}

// PublishStatus announces a node's current status to its node and account
// rooms.
func (b *Bus) PublishStatus(ctx context.Context, node *types.Node) {
	change := StatusChange{
		NodeID:        node.ID,
		OrgID:         node.OrgID,
		Status:        node.Status,
		LastHeartbeat: node.LastHeartbeat,
	}
	if err := b.Publish(ctx, NodeKey(node.ID), TypeStatus, change); err != nil {
		b.logger.Error("publish status failed", "node_id", node.ID, "error", err)
		return
	}
	if node.OrgID != "" {
		_ = b.Publish(ctx, AccountKey(node.OrgID), TypeStatus, change)
	}
}
