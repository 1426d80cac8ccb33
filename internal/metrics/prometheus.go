// Package metrics provides Prometheus metrics exposition for the collector
// server.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bc-dunia/satori/internal/types"
)

const namespace = "satori"

// NodeProvider lists nodes for the status gauge.
type NodeProvider interface {
	ListNodes(ctx context.Context, orgID string) ([]*types.Node, error)
}

// BusProvider exposes subscription registry counters.
type BusProvider interface {
	Total() int
	Dropped() uint64
}

// Collector records server metrics on its own Prometheus registry.
// Thread-safe for concurrent access.
type Collector struct {
	mu           sync.Mutex
	nodeProvider NodeProvider
	busProvider  BusProvider

	registry *prometheus.Registry

	ingestRequests *prometheus.CounterVec
	ingestDuration *prometheus.HistogramVec
	samples        *prometheus.CounterVec
	events         *prometheus.CounterVec
	nodeStatus     *prometheus.GaugeVec
	httpRequests   *prometheus.CounterVec
	nodesOffline   prometheus.Counter
	samplesPruned  prometheus.Counter
}

// NewCollector creates a Collector with Go runtime and process collectors
// registered alongside the satori metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ingestRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Ingestion requests by outcome.",
		}, []string{"outcome"}),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Ingestion latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Metric samples persisted by kind.",
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events raised by rule and severity.",
		}, []string{"rule", "severity"}),
		nodeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Active nodes by status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code class.",
		}, []string{"route", "code"}),
		nodesOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_marked_offline_total",
			Help:      "Nodes the heartbeat monitor marked offline.",
		}),
		samplesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_pruned_total",
			Help:      "Metric samples deleted by retention.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ingestRequests, c.ingestDuration, c.samples, c.events, c.nodeStatus,
		c.httpRequests, c.nodesOffline, c.samplesPruned,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Live stream subscriptions.",
		}, func() float64 {
			if p := c.bus(); p != nil {
				return float64(p.Total())
			}
			return 0
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_messages_total",
			Help:      "Messages evicted from full subscriber queues.",
		}, func() float64 {
			if p := c.bus(); p != nil {
				return float64(p.Dropped())
			}
			return 0
		}),
	)
	return c
}

// SetNodeProvider sets the node provider for the status gauge.
func (c *Collector) SetNodeProvider(p NodeProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeProvider = p
}

// SetBusProvider sets the subscription registry to report on.
func (c *Collector) SetBusProvider(p BusProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busProvider = p
}

func (c *Collector) bus() BusProvider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busProvider
}

// Registry returns the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordIngest records one ingestion request.
func (c *Collector) RecordIngest(outcome string, d time.Duration) {
	c.ingestRequests.WithLabelValues(outcome).Inc()
	c.ingestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordSamples counts persisted samples by kind.
func (c *Collector) RecordSamples(samples []types.MetricSample) {
	for _, s := range samples {
		c.samples.WithLabelValues(string(s.Kind)).Inc()
	}
}

// RecordEvents counts raised events.
func (c *Collector) RecordEvents(events []types.Event) {
	for _, ev := range events {
		c.events.WithLabelValues(ev.Data.Rule, string(ev.Severity)).Inc()
	}
}

// RecordHTTPRequest counts a served request.
func (c *Collector) RecordHTTPRequest(route string, status int) {
	c.httpRequests.WithLabelValues(route, codeClass(status)).Inc()
}

// RecordNodesOffline counts nodes flipped offline by the heartbeat monitor.
func (c *Collector) RecordNodesOffline(n int) {
	c.nodesOffline.Add(float64(n))
}

// RecordSamplesPruned counts samples removed by retention.
func (c *Collector) RecordSamplesPruned(n int64) {
	c.samplesPruned.Add(float64(n))
}

func codeClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// SyncFromProviders refreshes gauges derived from provider state.
// Called before each exposition.
func (c *Collector) SyncFromProviders(ctx context.Context) {
	c.mu.Lock()
	p := c.nodeProvider
	c.mu.Unlock()
	if p == nil {
		return
	}
	nodes, err := p.ListNodes(ctx, "")
	if err != nil {
		return
	}
	counts := map[types.NodeStatus]int{
		types.NodeHealthy:     0,
		types.NodeWarning:     0,
		types.NodeCritical:    0,
		types.NodeOffline:     0,
		types.NodeMaintenance: 0,
	}
	for _, n := range nodes {
		if n.Retired() {
			continue
		}
		counts[n.Status]++
	}
	for status, n := range counts {
		c.nodeStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	inner := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		c.SyncFromProviders(ctx)
		cancel()
		inner.ServeHTTP(w, r)
	})
}
