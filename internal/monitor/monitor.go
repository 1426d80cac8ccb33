// Package monitor marks nodes offline when their agents stop reporting.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bc-dunia/satori/internal/types"
)

const (
	// DefaultOfflineTimeout is three default transmission intervals.
	DefaultOfflineTimeout = 90 * time.Second
	// DefaultInterval is how often heartbeats are checked.
	DefaultInterval = 30 * time.Second
)

// Store flips stale nodes to offline.
type Store interface {
	MarkOffline(ctx context.Context, before time.Time) ([]*types.Node, error)
}

// Publisher announces status changes to live subscribers.
type Publisher interface {
	PublishStatus(ctx context.Context, node *types.Node)
}

// Recorder counts nodes marked offline.
type Recorder interface {
	RecordNodesOffline(n int)
}

// HeartbeatMonitor periodically marks nodes whose last heartbeat is older
// than the timeout as offline. Nodes in maintenance and retired nodes are
// left alone by the store.
type HeartbeatMonitor struct {
	store     Store
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	timeout   time.Duration
	interval  time.Duration
	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewHeartbeatMonitor creates a monitor over st. If timeout or interval are
// zero, defaults are used.
func NewHeartbeatMonitor(st Store, timeout, interval time.Duration) *HeartbeatMonitor {
	if timeout <= 0 {
		timeout = DefaultOfflineTimeout
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &HeartbeatMonitor{
		store:    st,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		timeout:  timeout,
		interval: interval,
	}
}

// SetPublisher sets where status changes are published.
// Must be called before Start().
func (m *HeartbeatMonitor) SetPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// SetRecorder sets the metrics recorder.
// Must be called before Start().
func (m *HeartbeatMonitor) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// SetLogger sets the logger.
func (m *HeartbeatMonitor) SetLogger(l *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// Start begins the monitoring loop in a background goroutine.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (m *HeartbeatMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	m.mu.Unlock()

	go m.run(stopCh, stoppedCh)
}

// Stop stops the monitoring loop and waits for it to exit.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	stoppedCh := m.stoppedCh
	m.mu.Unlock()

	<-stoppedCh
}

func (m *HeartbeatMonitor) run(stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Check(ctx)
			cancel()
		case <-stopCh:
			return
		}
	}
}

// Check runs one sweep and returns the nodes it marked offline.
func (m *HeartbeatMonitor) Check(ctx context.Context) []*types.Node {
	m.mu.Lock()
	publisher, recorder, logger := m.publisher, m.recorder, m.logger
	m.mu.Unlock()

	cutoff := m.now().Add(-m.timeout)
	nodes, err := m.store.MarkOffline(ctx, cutoff)
	if err != nil {
		logger.Error("heartbeat monitor: mark offline failed", "error", err)
		return nil
	}
	if len(nodes) == 0 {
		return nil
	}

	for _, n := range nodes {
		logger.Warn("node marked offline",
			"node_id", n.ID,
			"org_id", n.OrgID,
			"last_heartbeat", n.LastHeartbeat,
		)
		if publisher != nil {
			publisher.PublishStatus(ctx, n)
		}
	}
	if recorder != nil {
		recorder.RecordNodesOffline(len(nodes))
	}
	return nodes
}

// IsRunning returns true if the monitor is currently running.
func (m *HeartbeatMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Timeout returns the configured offline timeout.
func (m *HeartbeatMonitor) Timeout() time.Duration {
	return m.timeout
}

// Interval returns the configured check interval.
func (m *HeartbeatMonitor) Interval() time.Duration {
	return m.interval
}
