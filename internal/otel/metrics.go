package otel

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// AgentMetrics records the agent loop's own health.
type AgentMetrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	enabled  bool

	state    atomic.Int64
	stateReg metric.Registration

	cycleDuration   metric.Float64Histogram
	collectErrors   metric.Int64Counter
	transmitErrors  metric.Int64Counter
	samplesAccepted metric.Int64Counter
}

// NewAgentMetrics builds the agent instruments. With a disabled config the
// instruments exist but nothing is exported.
func NewAgentMetrics(ctx context.Context, cfg *Config) (*AgentMetrics, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var opts []sdkmetric.Option
	if cfg.active() {
		exporter, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		res, err := cfg.resource()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics resource: %w", err)
		}
		opts = append(opts,
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
			sdkmetric.WithResource(res),
		)
	}
	return newAgentMetrics(sdkmetric.NewMeterProvider(opts...), cfg.ServiceName, cfg.active())
}

func newAgentMetrics(mp *sdkmetric.MeterProvider, name string, enabled bool) (*AgentMetrics, error) {
	m := &AgentMetrics{provider: mp, meter: mp.Meter(name), enabled: enabled}

	var err error
	m.cycleDuration, err = m.meter.Float64Histogram(
		"satori.agent.cycle.duration",
		metric.WithDescription("Duration of one collect, encode and send cycle"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cycle duration histogram: %w", err)
	}
	m.collectErrors, err = m.meter.Int64Counter(
		"satori.agent.collection.errors",
		metric.WithDescription("Category collection failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection error counter: %w", err)
	}
	m.transmitErrors, err = m.meter.Int64Counter(
		"satori.agent.transmit.errors",
		metric.WithDescription("Failed batch transmissions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transmit error counter: %w", err)
	}
	m.samplesAccepted, err = m.meter.Int64Counter(
		"satori.agent.samples.accepted",
		metric.WithDescription("Samples acknowledged by the collector"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create accepted samples counter: %w", err)
	}

	stateGauge, err := m.meter.Int64ObservableGauge(
		"satori.agent.state",
		metric.WithDescription("Agent loop state (0 unregistered, 1 registering, 2 running, 3 backoff)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state gauge: %w", err)
	}
	m.stateReg, err = m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(stateGauge, m.state.Load())
		return nil
	}, stateGauge)
	if err != nil {
		return nil, fmt.Errorf("failed to register state gauge callback: %w", err)
	}
	return m, nil
}

func newMetricExporter(ctx context.Context, cfg *Config) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		var opts []otlpmetricgrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlpmetrichttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// NoopAgentMetrics returns instruments that are never exported.
func NoopAgentMetrics() *AgentMetrics {
	m, err := newAgentMetrics(sdkmetric.NewMeterProvider(), "satori", false)
	if err != nil {
		panic("otel: noop instruments: " + err.Error())
	}
	return m
}

// RecordCycle records one finished cycle.
func (m *AgentMetrics) RecordCycle(ctx context.Context, durationMs float64, success bool) {
	m.cycleDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordCollectionError counts a failed category.
func (m *AgentMetrics) RecordCollectionError(ctx context.Context, category string) {
	m.collectErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordTransmitError counts a failed send, keyed by HTTP status (0 for
// network failures).
func (m *AgentMetrics) RecordTransmitError(ctx context.Context, status int) {
	m.transmitErrors.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", status)))
}

// RecordAccepted counts samples acknowledged by the collector.
func (m *AgentMetrics) RecordAccepted(ctx context.Context, n int) {
	m.samplesAccepted.Add(ctx, int64(n))
}

// SetState publishes the loop state to the observable gauge.
func (m *AgentMetrics) SetState(state int) {
	m.state.Store(int64(state))
}

// Enabled reports whether metrics are exported.
func (m *AgentMetrics) Enabled() bool { return m.enabled }

// MeterProvider returns the underlying provider.
func (m *AgentMetrics) MeterProvider() *sdkmetric.MeterProvider { return m.provider }

// Shutdown unregisters callbacks and flushes pending metrics.
func (m *AgentMetrics) Shutdown(ctx context.Context) error {
	if m.stateReg != nil {
		if err := m.stateReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister state callback: %w", err)
		}
	}
	return m.provider.Shutdown(ctx)
}
