package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces bridged routing keys in Redis.
const DefaultChannelPrefix = "satori:bus:"

// RedisBridge relays messages between server instances over Redis pub/sub.
// Messages published locally are forwarded to Redis; messages received from
// Redis that another instance originated are delivered to the local
// registry.
type RedisBridge struct {
	client   redis.UniversalClient
	registry *Registry
	prefix   string
	origin   string
	logger   *slog.Logger

	mu      sync.Mutex
	pubsub  *redis.PubSub
	stopped chan struct{}
}

// NewRedisBridge creates a bridge for registry. An empty prefix selects
// DefaultChannelPrefix.
func NewRedisBridge(client redis.UniversalClient, registry *Registry, prefix string, logger *slog.Logger) *RedisBridge {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RedisBridge{
		client:   client,
		registry: registry,
		prefix:   prefix,
		origin:   uuid.NewString(),
		logger:   logger,
	}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Origin is the identifier stamped on messages from this instance.
func (b *RedisBridge) Origin() string { return b.origin }

// Forward publishes msg to the Redis channel of its routing key.
func (b *RedisBridge) Forward(ctx context.Context, msg Message) error {
	if msg.Origin != "" && msg.Origin != b.origin {
		return nil
	}
	msg.Origin = b.origin
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode bridged message: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+msg.Key, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Key, err)
	}
	return nil
}

// Start subscribes to every bridged channel and relays remote messages until
// Stop is called or ctx ends. It returns once the subscription is confirmed.
func (b *RedisBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return errors.New("redis bridge already started")
	}
	ps := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	b.pubsub = ps
	b.stopped = make(chan struct{})
	go b.run(ps.Channel(), b.stopped)
	b.logger.Info("redis bus bridge started", "prefix", b.prefix, "origin", b.origin)
	return nil
}

func (b *RedisBridge) run(ch <-chan *redis.Message, stopped chan struct{}) {
	defer close(stopped)
	for m := range ch {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			b.logger.Warn("dropping malformed bridged message", "channel", m.Channel, "error", err)
			continue
		}
		if msg.Origin == b.origin {
			continue
		}
		msg.Key = strings.TrimPrefix(m.Channel, b.prefix)
		b.registry.Publish(msg)
	}
}

// Stop closes the subscription and waits for the relay goroutine.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	ps, stopped := b.pubsub, b.stopped
	b.pubsub = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-stopped
	return err
}
