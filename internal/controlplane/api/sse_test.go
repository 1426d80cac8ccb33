package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bc-dunia/satori/internal/bus"
	"github.com/bc-dunia/satori/internal/types/typestest"
)

type sseEvent struct {
	name string
	data string
}

// openStream connects to path and returns a channel of parsed events and
// keepalive comments (name ":keepalive").
func openStream(t *testing.T, env *testEnv, path string) (<-chan sseEvent, *http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.url+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("SSE request failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})

	events := make(chan sseEvent, 64)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var current sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == ":keepalive":
				events <- sseEvent{name: ":keepalive"}
			case strings.HasPrefix(line, "event: "):
				current.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case line == "" && current.name != "":
				events <- current
				current = sseEvent{}
			}
		}
	}()
	return events, resp, cancel
}

func waitForSubscribers(t *testing.T, env *testEnv, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Registry().Count(key) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers on %s", n, key)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before %q event", name)
			}
			if ev.name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q event", name)
		}
	}
}

func TestNodeStreamReceivesMetricsAndEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	node, key := env.provision(t, nil)

	events, resp, _ := openStream(t, env, "/streams/nodes/"+node.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Errorf("Expected Content-Type text/event-stream; charset=utf-8, got %s", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Expected Cache-Control no-cache, got %s", cc)
	}
	waitForSubscribers(t, env, bus.NodeKey(node.ID), 1)

	env.ingest(t, key, typestest.CPUOnly(time.Now(), 95))

	metric := nextEvent(t, events, "metric")
	var sample struct {
		NodeID string `json:"node_id"`
		Kind   string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(metric.data), &sample); err != nil {
		t.Fatalf("Failed to parse metric JSON: %v", err)
	}
	if sample.NodeID != node.ID || sample.Kind != "cpu" {
		t.Errorf("unexpected metric %s", metric.data)
	}

	event := nextEvent(t, events, "event")
	if !strings.Contains(event.data, `"rule":"cpu_immediate"`) {
		t.Errorf("expected cpu_immediate event, got %s", event.data)
	}

	status := nextEvent(t, events, "status")
	var change bus.StatusChange
	if err := json.Unmarshal([]byte(status.data), &change); err != nil {
		t.Fatal(err)
	}
	if change.Status != "warning" {
		t.Errorf("expected warning status, got %s", change.Status)
	}
}

func TestAccountStreamReceivesStatusChanges(t *testing.T) {
	env := newTestEnv(t, nil)
	node, _ := env.provision(t, nil)

	events, _, _ := openStream(t, env, "/streams/accounts/default")
	waitForSubscribers(t, env, bus.AccountKey("default"), 1)

	env.do(t, http.MethodPost, "/api/v1/nodes/"+node.ID+"/maintenance", nil, []byte(`{"enabled":true}`))

	status := nextEvent(t, events, "status")
	if !strings.Contains(status.data, `"status":"maintenance"`) {
		t.Errorf("expected maintenance status, got %s", status.data)
	}
}

func TestStreamKeepalive(t *testing.T) {
	env := newTestEnv(t, func(s *Server) {
		s.SetStreamConfig(&StreamConfig{KeepaliveInterval: 20 * time.Millisecond})
	})
	node, _ := env.provision(t, nil)

	events, _, _ := openStream(t, env, "/streams/nodes/"+node.ID)
	nextEvent(t, events, ":keepalive")
}

func TestStreamUnknownNode(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/streams/nodes/missing", nil, nil)
	expectError(t, resp, http.StatusNotFound, ErrorTypeNotFound)

	resp = env.do(t, http.MethodGet, "/streams/other/x", nil, nil)
	expectError(t, resp, http.StatusNotFound, ErrorTypeNotFound)
}

func TestStreamEndsOnShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	node, _ := env.provision(t, nil)

	events, _, _ := openStream(t, env, "/streams/nodes/"+node.ID)
	waitForSubscribers(t, env, bus.NodeKey(node.ID), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end on shutdown")
	}
	if n := env.bus.Registry().Count(bus.NodeKey(node.ID)); n != 0 {
		t.Errorf("expected subscription to be released, got %d", n)
	}
}

func TestClientMessagesDisabledByDefault(t *testing.T) {
	env := newTestEnv(t, nil)
	node, _ := env.provision(t, nil)

	resp := env.do(t, http.MethodPost, "/streams/nodes/"+node.ID+"/messages", nil,
		[]byte(`{"type":"annotation","text":"hi"}`))
	errResp := expectError(t, resp, http.StatusForbidden, ErrorTypeForbidden)
	if errResp.ErrorCode != ErrorCodeMessagesDisabled {
		t.Errorf("expected %s, got %s", ErrorCodeMessagesDisabled, errResp.ErrorCode)
	}
}

func TestClientMessageIsRewrapped(t *testing.T) {
	env := newTestEnv(t, func(s *Server) {
		s.SetStreamConfig(&StreamConfig{AllowClientMessages: true})
	})
	node, _ := env.provision(t, nil)
	sub := env.bus.Subscribe(bus.NodeKey(node.ID))
	defer sub.Close()

	path := "/streams/nodes/" + node.ID + "/messages"
	resp := env.do(t, http.MethodPost, path, nil,
		[]byte(`{"type":"annotation","text":"  deploying v2  "}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case msg := <-sub.C():
		if msg.Type != bus.TypeMessage {
			t.Errorf("expected message type, got %s", msg.Type)
		}
		var cm ClientMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			t.Fatal(err)
		}
		if cm.Type != "annotation" || cm.Text != "deploying v2" || cm.Sender != "anonymous" || cm.SentAt.IsZero() {
			t.Errorf("unexpected message %+v", cm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not published")
	}

	rejected := []struct {
		name string
		body string
	}{
		{"other type", `{"type":"command","text":"rm -rf"}`},
		{"empty text", `{"type":"annotation","text":"   "}`},
		{"too long", `{"type":"annotation","text":"` + strings.Repeat("x", maxClientMessageLength+1) + `"}`},
		{"extra field", `{"type":"annotation","text":"hi","sender":"root"}`},
		{"not json", `hello`},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, path, nil, []byte(tt.body))
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}

	select {
	case msg := <-sub.C():
		t.Errorf("rejected message reached the room: %s", msg.Data)
	default:
	}
}
