// Package bus fans accepted samples, events and status changes out to live
// subscribers.
//
// Routing keys come in two families: node:<id> carries everything about one
// node, account:<id> carries events and status across an organization's
// nodes. Delivery is at-most-once: a subscriber only sees what is published
// while it is subscribed, and a slow subscriber loses its oldest queued
// messages rather than stalling publishers.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the per-subscriber buffer when none is configured.
const DefaultQueueSize = 256

// MessageType names the kind of item carried by a Message.
type MessageType string

const (
	TypeMetric  MessageType = "metric"
	TypeEvent   MessageType = "event"
	TypeStatus  MessageType = "status"
	TypeMessage MessageType = "message"
)

// Message is one published item.
type Message struct {
	Type        MessageType     `json:"type"`
	Key         string          `json:"key"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"published_at"`

	// Origin identifies the publishing instance when messages cross the
	// Redis bridge.
	Origin string `json:"origin,omitempty"`
}

// NodeKey is the routing key of a single node.
func NodeKey(nodeID string) string { return "node:" + nodeID }

// AccountKey is the routing key of an organization.
func AccountKey(orgID string) string { return "account:" + orgID }

// Subscription is one live subscriber on a key.
type Subscription struct {
	key      string
	registry *Registry

	mu      sync.Mutex
	ch      chan Message
	closed  bool
	dropped atomic.Uint64
}

// Key returns the routing key the subscription listens on.
func (s *Subscription) Key() string { return s.key }

// C delivers messages. It is closed once the subscription is removed.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped is the number of messages discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. Calling it more than once is a no-op.
func (s *Subscription) Close() { s.registry.Unsubscribe(s) }

// deliver enqueues msg, evicting the oldest queued message when full.
func (s *Subscription) deliver(msg Message) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- msg:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Registry tracks subscriptions by routing key. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	queueSize int

	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// NewRegistry creates a Registry whose subscribers buffer queueSize messages.
func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		subs:      make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a new subscriber on key.
func (r *Registry) Subscribe(key string) *Subscription {
	sub := &Subscription{
		key:      key,
		registry: r,
		ch:       make(chan Message, r.queueSize),
	}
	r.mu.Lock()
	set, ok := r.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.subs[key] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Unknown or already removed
// subscriptions are ignored.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	if set, ok := r.subs[sub.key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, sub.key)
		}
	}
	r.mu.Unlock()
	sub.close()
}

// Publish delivers msg to every current subscriber of msg.Key and returns how
// many received it. It never blocks on a subscriber.
func (r *Registry) Publish(msg Message) int {
	r.mu.RLock()
	set := r.subs[msg.Key]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		if sub.deliver(msg) {
			r.dropped.Add(1)
		}
	}
	r.delivered.Add(uint64(len(targets)))
	return len(targets)
}

// Count returns the number of subscribers on key.
func (r *Registry) Count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[key])
}

// Total returns the number of subscriptions across all keys.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}

// Dropped is the number of messages evicted from full queues since start.
func (r *Registry) Dropped() uint64 { return r.dropped.Load() }

// Delivered is the number of message deliveries since start.
func (r *Registry) Delivered() uint64 { return r.delivered.Load() }

// Close removes every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]map[*Subscription]struct{})
	r.mu.Unlock()
	for _, set := range subs {
		for sub := range set {
			sub.close()
		}
	}
}
