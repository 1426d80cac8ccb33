// Package e2e drives a real agent against a real collector server.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/bc-dunia/satori/internal/anomaly"
	"github.com/bc-dunia/satori/internal/auth"
	"github.com/bc-dunia/satori/internal/bus"
	"github.com/bc-dunia/satori/internal/codec"
	"github.com/bc-dunia/satori/internal/controlplane/api"
	"github.com/bc-dunia/satori/internal/ingest"
	"github.com/bc-dunia/satori/internal/metrics"
	"github.com/bc-dunia/satori/internal/monitor"
	"github.com/bc-dunia/satori/internal/store"
)

const sharedSecret = "e2e-shared-secret"

// collectorStack is a running collector server with its collaborators.
type collectorStack struct {
	server  *api.Server
	store   *store.MemoryStore
	bus     *bus.Bus
	metrics *metrics.Collector
	monitor *monitor.HeartbeatMonitor
	url     string
}

// ConfigureTestServer disables auth and rate limiting on server.
// Call this immediately after api.NewServer() and before server.Start().
func ConfigureTestServer(server *api.Server) {
	server.SetAuthConfig(auth.DefaultConfig())
	server.SetRateLimiterConfig(&api.RateLimiterConfig{Enabled: false})
}

func startCollector(t *testing.T) *collectorStack {
	t.Helper()

	ev, err := anomaly.New(anomaly.DefaultThresholds())
	if err != nil {
		t.Fatal(err)
	}
	c, err := codec.New([]byte(sharedSecret), codec.SHA256Deriver{}, codec.WithCompression(true))
	if err != nil {
		t.Fatal(err)
	}

	st := store.NewMemoryStore()
	registry := bus.NewRegistry(bus.DefaultQueueSize)
	b := bus.New(registry)
	mc := metrics.NewCollector()
	mc.SetNodeProvider(st)
	mc.SetBusProvider(registry)

	svc := ingest.NewService(st, ev,
		ingest.WithCodec(c),
		ingest.WithPublisher(b),
		ingest.WithRecorder(mc),
	)

	server := api.NewServer("127.0.0.1:0", svc, st, b)
	ConfigureTestServer(server)
	server.SetMetricsCollector(mc)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	hb := monitor.NewHeartbeatMonitor(st, time.Minute, time.Minute)
	hb.SetPublisher(b)
	hb.SetRecorder(mc)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		registry.Close()
	})

	return &collectorStack{
		server:  server,
		store:   st,
		bus:     b,
		metrics: mc,
		monitor: hb,
		url:     server.URL(),
	}
}
