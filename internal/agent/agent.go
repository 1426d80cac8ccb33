// Package agent runs on a monitored node. It registers the node with the
// collector, then repeats collect, encode and send on a fixed interval.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/satori/internal/codec"
	"github.com/bc-dunia/satori/internal/collector"
	"github.com/bc-dunia/satori/internal/otel"
	"github.com/bc-dunia/satori/internal/types"
)

// State of the agent loop.
type State int32

const (
	StateUnregistered State = iota
	StateRegistering
	StateRunning
	// StateBackoff is entered after a failed cycle and left after the next
	// successful one.
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SnapshotCollector produces one snapshot per call.
type SnapshotCollector interface {
	Collect(ctx context.Context, enabled types.CategorySet) (*types.Snapshot, []*collector.CollectionError)
}

// Transport registers the node and delivers batches.
type Transport interface {
	Register(ctx context.Context, facts *types.HostFacts) (*RegisterResponse, error)
	Send(ctx context.Context, payload []byte, encrypted bool) (*IngestResponse, error)
}

// HostFactsFunc gathers registration facts.
type HostFactsFunc func(ctx context.Context, capabilities []types.Category) (*types.HostFacts, error)

// Agent owns the registration and collection loop.
type Agent struct {
	cfg       *Config
	file      *ConfigFile
	enabled   types.CategorySet
	collector SnapshotCollector
	transport Transport
	codec     *codec.Codec
	hostFacts HostFactsFunc
	logger    *slog.Logger
	tracer    *otel.Tracer
	metrics   *otel.AgentMetrics

	state atomic.Int32
	wait  func(ctx context.Context, d time.Duration) error
}

// Option customises an Agent.
type Option func(*Agent)

// WithConfigFile persists the assigned node id after registration.
func WithConfigFile(f *ConfigFile) Option { return func(a *Agent) { a.file = f } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithTracer sets the tracer used for cycle spans.
func WithTracer(t *otel.Tracer) Option { return func(a *Agent) { a.tracer = t } }

// WithMetrics sets the agent instruments.
func WithMetrics(m *otel.AgentMetrics) Option { return func(a *Agent) { a.metrics = m } }

// WithHostFacts overrides how registration facts are gathered.
func WithHostFacts(fn HostFactsFunc) Option { return func(a *Agent) { a.hostFacts = fn } }

// New validates cfg and builds an Agent.
func New(cfg *Config, c SnapshotCollector, t Transport, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	enabled, err := cfg.EnabledCategories()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		enabled:   enabled,
		collector: c,
		transport: t,
		hostFacts: collector.HostFacts,
		logger:    slog.New(slog.DiscardHandler),
		tracer:    otel.NoopTracer(),
		metrics:   otel.NoopAgentMetrics(),
		wait:      sleepContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agent")

	if cfg.Encrypted() {
		deriver, err := codec.DeriverByName(cfg.KeyDerivation)
		if err != nil {
			return nil, err
		}
		a.codec, err = codec.New([]byte(cfg.EncryptionKey), deriver, codec.WithCompression(cfg.Compress))
		if err != nil {
			return nil, fmt.Errorf("transport codec: %w", err)
		}
	}
	return a, nil
}

// State returns the current loop state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
	a.metrics.SetState(int(s))
}

// Run registers if needed and then loops until ctx is cancelled. It returns
// nil on cancellation and a *RegistrationError if registration fails.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.NodeID == "" {
		if err := a.register(ctx); err != nil {
			a.setState(StateUnregistered)
			return err
		}
	}
	a.setState(StateRunning)
	a.logger.Info("agent running",
		"node_id", a.cfg.NodeID,
		"interval", a.cfg.Interval().String(),
		"encrypted", a.cfg.Encrypted(),
		"categories", len(a.enabled))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := a.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.setState(StateBackoff)
			a.logCycleError(err)
		} else {
			a.setState(StateRunning)
		}
		if err := a.wait(ctx, a.nextInterval()); err != nil {
			return nil
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	a.setState(StateRegistering)

	facts, err := a.hostFacts(ctx, a.enabled.List())
	if err != nil {
		return &RegistrationError{Err: fmt.Errorf("gather host facts: %w", err)}
	}
	if a.cfg.NodeName != "" {
		facts.Hostname = a.cfg.NodeName
	}

	rctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout())
	defer cancel()
	resp, err := a.transport.Register(rctx, facts)
	if err != nil {
		var re *RegistrationError
		if !errors.As(err, &re) {
			err = &RegistrationError{Err: err}
		}
		return err
	}

	a.cfg.NodeID = resp.NodeID
	if resp.ServerTime != 0 {
		skew := time.Since(time.Unix(resp.ServerTime, 0))
		a.logger.Info("registered", "node_id", resp.NodeID, "clock_skew", skew.Round(time.Second).String())
	}
	if a.file != nil {
		if _, err := a.file.Update(func(c *Config) { c.NodeID = resp.NodeID }); err != nil {
			// Registration is keyed by credential, so the next start
			// re-registers and receives the same node id.
			a.logger.Warn("failed to persist node id", "node_id", resp.NodeID, "error", err)
		}
	}
	return nil
}

// Cycle runs one collect, encode and send pass. Collection honours ctx; once
// a payload is built the send runs to completion or timeout even if ctx is
// cancelled, so a stop never interrupts a request mid-flight.
func (a *Agent) Cycle(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := a.tracer.StartCycleSpan(ctx, a.cfg.NodeID)
	defer func() {
		if err != nil {
			otel.RecordError(span, err, cycleErrorType(err), true)
		}
		span.End()
		a.metrics.RecordCycle(context.WithoutCancel(ctx), float64(time.Since(start).Milliseconds()), err == nil)
	}()

	snap, collectErrs := a.collector.Collect(ctx, a.enabled)
	for _, ce := range collectErrs {
		a.metrics.RecordCollectionError(ctx, string(ce.Category))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if snap == nil || snap.Empty() {
		return ErrEmptySnapshot
	}
	snap.NodeID = a.cfg.NodeID

	payload, err := a.encode(snap)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Timeout())
	defer cancel()
	resp, err := a.transport.Send(sctx, payload, a.codec != nil)
	if err != nil {
		var te *TransmitError
		status := 0
		if errors.As(err, &te) {
			status = te.StatusCode
		}
		a.metrics.RecordTransmitError(sctx, status)
		return err
	}
	a.metrics.RecordAccepted(sctx, resp.Accepted)
	a.logger.Debug("batch accepted",
		"node_id", a.cfg.NodeID,
		"accepted", resp.Accepted,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (a *Agent) encode(snap *types.Snapshot) ([]byte, error) {
	if a.codec == nil {
		data, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot: %w", err)
		}
		return data, nil
	}
	token, err := a.codec.Encode(snap, a.cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return json.Marshal(EncryptedBody{Data: token})
}

func (a *Agent) logCycleError(err error) {
	var te *TransmitError
	if errors.As(err, &te) {
		a.logger.Error("transmit failed, retrying next interval",
			"node_id", a.cfg.NodeID,
			"status", te.StatusCode,
			"error", te.Err)
		return
	}
	a.logger.Error("cycle failed, retrying next interval",
		"node_id", a.cfg.NodeID,
		"error", err)
}

// nextInterval returns the configured interval, spread by up to ±10% when
// jitter is enabled.
func (a *Agent) nextInterval() time.Duration {
	d := a.cfg.Interval()
	if !a.cfg.Jitter {
		return d
	}
	spread := int64(d / 10)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*spread+1)-spread)
}

func cycleErrorType(err error) string {
	switch {
	case errors.Is(err, ErrEmptySnapshot):
		return "collection"
	case IsTransmitError(err):
		return "transmit"
	default:
		return "internal"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
