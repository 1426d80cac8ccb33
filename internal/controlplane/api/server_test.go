package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bc-dunia/satori/internal/anomaly"
	"github.com/bc-dunia/satori/internal/auth"
	"github.com/bc-dunia/satori/internal/bus"
	"github.com/bc-dunia/satori/internal/codec"
	"github.com/bc-dunia/satori/internal/ingest"
	"github.com/bc-dunia/satori/internal/metrics"
	"github.com/bc-dunia/satori/internal/store"
	"github.com/bc-dunia/satori/internal/types"
	"github.com/bc-dunia/satori/internal/types/typestest"
)

type testEnv struct {
	server *Server
	store  *store.MemoryStore
	bus    *bus.Bus
	codec  *codec.Codec
	url    string
}

func newTestEnv(t *testing.T, configure func(*Server)) *testEnv {
	t.Helper()
	ev, err := anomaly.New(anomaly.DefaultThresholds())
	if err != nil {
		t.Fatal(err)
	}
	c, err := codec.New([]byte("shared-secret"), codec.SHA256Deriver{})
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	b := bus.New(bus.NewRegistry(bus.DefaultQueueSize))
	svc := ingest.NewService(st, ev, ingest.WithCodec(c), ingest.WithPublisher(b))

	server := NewServer("127.0.0.1:0", svc, st, b)
	if configure != nil {
		configure(server)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return &testEnv{server: server, store: st, bus: b, codec: c, url: server.URL()}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.url+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) provision(t *testing.T, headers map[string]string) (*types.Node, string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/nodes", headers, []byte(`{"name":"web"}`))
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("provision: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Node   types.Node `json:"node"`
		APIKey string     `json:"api_key"`
	}
	decode(t, resp, &out)
	return &out.Node, out.APIKey
}

func (e *testEnv) ingest(t *testing.T, key string, snap *types.Snapshot) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/v1/telemetry/ingest",
		map[string]string{HeaderNodeKey: key, HeaderEncrypted: "false"}, mustJSON(t, snap))
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func expectError(t *testing.T, resp *http.Response, status int, errorType string) *ErrorResponse {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", status, resp.StatusCode, body)
	}
	var errResp ErrorResponse
	decode(t, resp, &errResp)
	if errResp.ErrorType != errorType {
		t.Errorf("expected error_type %q, got %q (%s)", errorType, errResp.ErrorType, errResp.ErrorMessage)
	}
	return &errResp
}

func TestProvisionRegisterIngestFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	node, key := env.provision(t, nil)

	if !strings.HasPrefix(key, ingest.APIKeyPrefix) {
		t.Errorf("expected api key prefix %q, got %q", ingest.APIKeyPrefix, key)
	}
	if node.Status != types.NodeOffline || node.OrgID != "default" {
		t.Errorf("unexpected provisioned node %+v", node)
	}

	facts := types.HostFacts{Hostname: "web-01", OSType: "linux", CPUCores: 4, TotalMemory: 8 << 30}
	resp := env.do(t, http.MethodPost, "/api/v1/nodes/register", map[string]string{HeaderNodeKey: key}, mustJSON(t, facts))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: expected 200, got %d", resp.StatusCode)
	}
	var reg RegisterNodeResponse
	decode(t, resp, &reg)
	if reg.NodeID != node.ID {
		t.Errorf("expected node_id %s, got %s", node.ID, reg.NodeID)
	}
	if reg.ServerTime == 0 {
		t.Error("expected server_time")
	}

	resp = env.ingest(t, key, typestest.CPUOnly(time.Now(), 95))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("ingest: expected 200, got %d: %s", resp.StatusCode, body)
	}
	var ing IngestResponse
	decode(t, resp, &ing)
	if ing.Status != "success" || ing.Accepted != 1 || ing.Events != 1 {
		t.Errorf("unexpected ingest response %+v", ing)
	}
	if ing.NodeStatus != types.NodeWarning {
		t.Errorf("expected node status warning, got %s", ing.NodeStatus)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/nodes/"+node.ID, nil, nil)
	var got types.Node
	decode(t, resp, &got)
	if got.Hostname != "web-01" || got.Status != types.NodeWarning || got.LastHeartbeat.IsZero() {
		t.Errorf("unexpected node after ingest %+v", got)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/nodes/"+node.ID+"/metrics?kind=cpu", nil, nil)
	var samples NodeMetricsResponse
	decode(t, resp, &samples)
	if len(samples.Samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples.Samples))
	}
	if cpu, ok := samples.Samples[0].Payload.(*types.CPU); !ok || cpu.OverallPercent != 95 {
		t.Errorf("unexpected sample payload %#v", samples.Samples[0].Payload)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/nodes/"+node.ID+"/events?min_severity=warning", nil, nil)
	var events NodeEventsResponse
	decode(t, resp, &events)
	if len(events.Events) != 1 || events.Events[0].Data.Rule == "" {
		t.Errorf("unexpected events %+v", events.Events)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/nodes", nil, nil)
	var list ListNodesResponse
	decode(t, resp, &list)
	if len(list.Nodes) != 1 || list.Nodes[0].ID != node.ID {
		t.Errorf("unexpected node list %+v", list.Nodes)
	}
}

func TestIngestErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	_, key := env.provision(t, nil)
	valid := mustJSON(t, typestest.CPUOnly(time.Now(), 10))

	tests := []struct {
		name      string
		method    string
		headers   map[string]string
		body      []byte
		status    int
		errorType string
	}{
		{"missing credential", http.MethodPost, nil, valid, http.StatusUnauthorized, ErrorTypeAuth},
		{"unknown credential", http.MethodPost, map[string]string{HeaderNodeKey: "sat_node_nope"}, valid, http.StatusUnauthorized, ErrorTypeAuth},
		{"not json", http.MethodPost, map[string]string{HeaderNodeKey: key}, []byte("cpu=10"), http.StatusBadRequest, ErrorTypeDecode},
		{"schema violation", http.MethodPost, map[string]string{HeaderNodeKey: key},
			[]byte(`{"timestamp":"2026-01-01T00:00:00Z","cpu":{"overall_percent":"high"}}`), http.StatusBadRequest, ErrorTypeValidation},
		{"bad encrypted header", http.MethodPost, map[string]string{HeaderNodeKey: key, HeaderEncrypted: "maybe"}, valid, http.StatusBadRequest, ErrorTypeInvalidArgument},
		{"encrypted garbage", http.MethodPost, map[string]string{HeaderNodeKey: key, HeaderEncrypted: "true"}, []byte(`{"data":"AAAA"}`), http.StatusBadRequest, ErrorTypeDecode},
		{"wrong method", http.MethodGet, map[string]string{HeaderNodeKey: key}, nil, http.StatusMethodNotAllowed, ErrorTypeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, "/api/v1/telemetry/ingest", tt.headers, tt.body)
			errResp := expectError(t, resp, tt.status, tt.errorType)
			if tt.errorType == ErrorTypeValidation {
				if _, ok := errResp.Details["fields"]; !ok {
					t.Error("expected offending fields in details")
				}
			}
		})
	}
}

func TestIngestEncrypted(t *testing.T) {
	env := newTestEnv(t, nil)
	_, key := env.provision(t, nil)

	token, err := env.codec.Encode(typestest.Snapshot(time.Now()), key)
	if err != nil {
		t.Fatal(err)
	}
	resp := env.do(t, http.MethodPost, "/api/v1/telemetry/ingest",
		map[string]string{HeaderNodeKey: key, HeaderEncrypted: "true"},
		mustJSON(t, map[string]string{"data": token}))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var ing IngestResponse
	decode(t, resp, &ing)
	if ing.Accepted == 0 {
		t.Error("expected accepted samples")
	}
}

func TestRegisterRejectsUnknownCredential(t *testing.T) {
	env := newTestEnv(t, nil)
	facts := types.HostFacts{Hostname: "web-01"}
	resp := env.do(t, http.MethodPost, "/api/v1/nodes/register", map[string]string{HeaderNodeKey: "sat_node_unknown"}, mustJSON(t, facts))
	expectError(t, resp, http.StatusUnauthorized, ErrorTypeAuth)
}

func TestRetiredNodeIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	node, key := env.provision(t, nil)

	resp := env.do(t, http.MethodPost, "/api/v1/nodes/"+node.ID+"/retire", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retire: expected 200, got %d", resp.StatusCode)
	}
	var retired types.Node
	decode(t, resp, &retired)
	if retired.RetiredAt == nil {
		t.Error("expected retired_at to be set")
	}

	resp = env.ingest(t, key, typestest.CPUOnly(time.Now(), 10))
	expectError(t, resp, http.StatusUnauthorized, ErrorTypeAuth)

	resp = env.do(t, http.MethodPost, "/api/v1/nodes/register", map[string]string{HeaderNodeKey: key},
		mustJSON(t, types.HostFacts{Hostname: "web-01"}))
	expectError(t, resp, http.StatusUnauthorized, ErrorTypeAuth)
}

func TestMaintenanceIsSticky(t *testing.T) {
	env := newTestEnv(t, nil)
	node, key := env.provision(t, nil)
	path := "/api/v1/nodes/" + node.ID + "/maintenance"

	resp := env.do(t, http.MethodPost, path, nil, []byte(`{}`))
	expectError(t, resp, http.StatusBadRequest, ErrorTypeInvalidArgument)

	resp = env.do(t, http.MethodPost, path, nil, []byte(`{"enabled":true}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = env.ingest(t, key, typestest.CPUOnly(time.Now(), 99))
	var ing IngestResponse
	decode(t, resp, &ing)
	if ing.NodeStatus != types.NodeMaintenance {
		t.Errorf("expected maintenance to survive ingestion, got %s", ing.NodeStatus)
	}

	resp = env.do(t, http.MethodPost, path, nil, []byte(`{"enabled":false}`))
	var n types.Node
	decode(t, resp, &n)
	if n.Status != types.NodeOffline {
		t.Errorf("expected offline after maintenance, got %s", n.Status)
	}
}

func TestOrganizationIsolation(t *testing.T) {
	env := newTestEnv(t, func(s *Server) {
		s.SetAuthConfig(&auth.Config{
			Mode: auth.AuthModeAPIKey,
			APIKeys: []auth.APIKey{
				{Key: "key-a", OrgID: "org-a", Roles: []auth.Role{auth.RoleOperator}},
				{Key: "key-b", OrgID: "org-b", Roles: []auth.Role{auth.RoleOperator}},
				{Key: "viewer-a", OrgID: "org-a", Roles: []auth.Role{auth.RoleViewer}},
			},
		})
	})
	a := map[string]string{"X-API-Key": "key-a"}
	b := map[string]string{"X-API-Key": "key-b"}

	node, _ := env.provision(t, a)
	if node.OrgID != "org-a" {
		t.Errorf("expected node in org-a, got %s", node.OrgID)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/nodes/"+node.ID, b, nil)
	expectError(t, resp, http.StatusNotFound, ErrorTypeNotFound)

	resp = env.do(t, http.MethodGet, "/api/v1/nodes", b, nil)
	var list ListNodesResponse
	decode(t, resp, &list)
	if len(list.Nodes) != 0 {
		t.Errorf("expected no nodes for org-b, got %d", len(list.Nodes))
	}

	resp = env.do(t, http.MethodGet, "/api/v1/nodes?org_id=org-a", b, nil)
	expectError(t, resp, http.StatusForbidden, ErrorTypeForbidden)

	resp = env.do(t, http.MethodGet, "/streams/accounts/org-a", b, nil)
	expectError(t, resp, http.StatusForbidden, ErrorTypeForbidden)

	resp = env.do(t, http.MethodPost, "/api/v1/nodes", map[string]string{"X-API-Key": "viewer-a"}, []byte(`{}`))
	if errResp := expectError(t, resp, http.StatusForbidden, "forbidden"); errResp.ErrorCode != "INSUFFICIENT_PERMISSIONS" {
		t.Errorf("expected INSUFFICIENT_PERMISSIONS, got %s", errResp.ErrorCode)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/nodes", nil, nil)
	if errResp := expectError(t, resp, http.StatusUnauthorized, "auth"); errResp.ErrorCode != "MISSING_CREDENTIALS" {
		t.Errorf("expected MISSING_CREDENTIALS, got %s", errResp.ErrorCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error envelope, got %s", ct)
	}
}

func TestQueryParameterValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	node, _ := env.provision(t, nil)

	for _, q := range []string{
		"/metrics?kind=gpu",
		"/metrics?from=yesterday",
		"/metrics?limit=-1",
		"/metrics?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z",
		"/events?min_severity=high",
	} {
		t.Run(q, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/v1/nodes/"+node.ID+q, nil, nil)
			expectError(t, resp, http.StatusBadRequest, ErrorTypeInvalidArgument)
		})
	}

	resp := env.do(t, http.MethodGet, "/api/v1/nodes/missing/metrics", nil, nil)
	expectError(t, resp, http.StatusNotFound, ErrorTypeNotFound)

	resp = env.do(t, http.MethodGet, "/api/v1/nodes/"+node.ID+"/unknown", nil, nil)
	expectError(t, resp, http.StatusNotFound, ErrorTypeNotFound)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/healthz", nil, nil)
	var health HealthResponse
	decode(t, resp, &health)
	if health.Status != "ok" {
		t.Errorf("expected ok, got %s", health.Status)
	}

	resp = env.do(t, http.MethodGet, "/readyz", nil, nil)
	var ready ReadyResponse
	decode(t, resp, &ready)
	if !ready.Ready {
		t.Error("expected ready")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/metrics", nil, nil)
	expectError(t, resp, http.StatusServiceUnavailable, ErrorTypeUnavailable)

	mc := metrics.NewCollector()
	mc.SetNodeProvider(env.store)
	mc.SetBusProvider(env.bus.Registry())
	env = newTestEnv(t, func(s *Server) { s.SetMetricsCollector(mc) })
	_, key := env.provision(t, nil)
	env.ingest(t, key, typestest.CPUOnly(time.Now(), 10))

	resp = env.do(t, http.MethodGet, "/metrics", nil, nil)
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`satori_http_requests_total{code="2xx",route="ingest"} 1`,
		`satori_nodes{status="offline"}`,
		"satori_stream_subscribers 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRateLimitMiddleware_Headers(t *testing.T) {
	env := newTestEnv(t, func(s *Server) {
		s.SetRateLimiterConfig(&RateLimiterConfig{
			RequestsPerSecond: 0.001,
			BurstSize:         1,
			Enabled:           true,
		})
	})

	var limited *http.Response
	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodGet, "/api/v1/nodes", nil, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
			break
		}
	}
	if limited == nil {
		t.Fatal("expected a rate limited response")
	}
	if limited.Header.Get("X-RateLimit-Limit") != "1" {
		t.Errorf("expected X-RateLimit-Limit=1, got %q", limited.Header.Get("X-RateLimit-Limit"))
	}
	if limited.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining=0, got %s", limited.Header.Get("X-RateLimit-Remaining"))
	}
	if limited.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	expectError(t, limited, http.StatusTooManyRequests, ErrorTypeRateLimited)
}
