package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SampleStore is the storage operation retention needs.
type SampleStore interface {
	DeleteSamplesBefore(ctx context.Context, before time.Time) (int64, error)
}

// Recorder counts pruned samples.
type Recorder interface {
	RecordSamplesPruned(n int64)
}

// Manager handles periodic cleanup of old metric samples.
type Manager struct {
	config    Config
	store     SampleStore
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
	interval  time.Duration
	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewManager creates a new retention Manager.
func NewManager(config Config, st SampleStore) *Manager {
	config = config.WithDefaults()
	return &Manager{
		config:   config,
		store:    st,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		interval: time.Duration(config.CleanupIntervalHours) * time.Hour,
	}
}

// SetRecorder sets the metrics recorder.
func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// SetLogger sets the logger.
func (m *Manager) SetLogger(l *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Start begins the background cleanup goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	go m.run(m.stopCh, m.stoppedCh)
}

// Stop signals the background goroutine to stop and waits for it to exit.
func (m *Manager) Stop() {
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

// IsRunning reports whether the cleanup loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) run(stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			m.cleanup(ctx)
			cancel()
		case <-stopCh:
			return
		}
	}
}

func (m *Manager) cleanup(ctx context.Context) int64 {
	m.mu.Lock()
	recorder, logger := m.recorder, m.logger
	m.mu.Unlock()

	cutoff := m.now().Add(-time.Duration(m.config.SampleTTLHours) * time.Hour)
	deleted, err := m.store.DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		logger.Error("retention cleanup failed", "cutoff", cutoff, "error", err)
		return 0
	}
	if deleted > 0 {
		logger.Info("pruned metric samples",
			"deleted", deleted,
			"ttl_hours", m.config.SampleTTLHours,
		)
		if recorder != nil {
			recorder.RecordSamplesPruned(deleted)
		}
	}
	return deleted
}

// RunCleanupNow triggers an immediate cleanup and returns the number of
// samples deleted.
func (m *Manager) RunCleanupNow(ctx context.Context) int64 {
	return m.cleanup(ctx)
}
