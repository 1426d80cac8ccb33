// Package api is the collector server's HTTP surface: node provisioning and
// registration, telemetry ingestion, node queries and live SSE streams.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bc-dunia/satori/internal/auth"
	"github.com/bc-dunia/satori/internal/bus"
	"github.com/bc-dunia/satori/internal/ingest"
	"github.com/bc-dunia/satori/internal/metrics"
	"github.com/bc-dunia/satori/internal/otel"
	"github.com/bc-dunia/satori/internal/store"
)

// Header names used by node agents.
const (
	HeaderNodeKey   = "X-Node-API-Key"
	HeaderEncrypted = "X-Encrypted"
)

// StreamConfig configures the live stream endpoints.
type StreamConfig struct {
	// AllowClientMessages enables POST /streams/nodes/{id}/messages.
	AllowClientMessages bool `yaml:"allow_client_messages"`
	// KeepaliveInterval is the SSE comment interval.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// DefaultStreamConfig returns the stream defaults: client messages disabled,
// 15s keepalive.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{KeepaliveInterval: 15 * time.Second}
}

// Server serves the collector HTTP API.
type Server struct {
	ingest           *ingest.Service
	store            store.Store
	bus              *bus.Bus
	metricsCollector *metrics.Collector
	tracer           *otel.Tracer
	logger           *slog.Logger

	server            *http.Server
	listener          net.Listener
	mu                sync.Mutex
	running           bool
	addr              string
	authConfig        *auth.Config
	authMiddleware    *auth.Middleware
	rateLimiter       *rateLimiter
	rateLimiterConfig *RateLimiterConfig
	streamConfig      *StreamConfig

	// streamsDone ends open SSE responses on shutdown.
	streamsDone      chan struct{}
	closeStreamsOnce sync.Once
}

// NewServer creates a server listening on addr. The ingestion service, store
// and bus are required.
func NewServer(addr string, svc *ingest.Service, st store.Store, b *bus.Bus) *Server {
	return &Server{
		ingest:            svc,
		store:             st,
		bus:               b,
		addr:              addr,
		tracer:            otel.NoopTracer(),
		logger:            slog.New(slog.DiscardHandler),
		authConfig:        auth.DefaultConfig(),
		rateLimiterConfig: DefaultRateLimiterConfig(),
		streamConfig:      DefaultStreamConfig(),
		streamsDone:       make(chan struct{}),
	}
}

// SetAuthConfig sets the operator authentication configuration.
// Must be called before Start() or Handler().
func (s *Server) SetAuthConfig(config *auth.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authConfig = config
	s.authMiddleware = nil
}

// SetRateLimiterConfig configures the rate limiter.
// Must be called before Start() for changes to take effect.
func (s *Server) SetRateLimiterConfig(config *RateLimiterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimiterConfig = config
	s.rateLimiter = nil
}

// SetStreamConfig configures the live streams.
func (s *Server) SetStreamConfig(config *StreamConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamConfig = config
}

func (s *Server) SetMetricsCollector(mc *metrics.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsCollector = mc
}

func (s *Server) SetTracer(t *otel.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

func (s *Server) SetLogger(l *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

func (s *Server) getAuthMiddleware() *auth.Middleware {
	if s.authMiddleware != nil {
		return s.authMiddleware
	}
	if s.authConfig == nil {
		s.authConfig = auth.DefaultConfig()
	}

	// An invalid config leaves the authenticator nil; the middleware then
	// answers every protected request with INVALID_AUTH_MODE.
	authenticator, err := auth.NewAuthenticator(s.authConfig)
	if err != nil {
		s.logger.Error("invalid auth configuration", "error", err)
	}
	s.authMiddleware = auth.NewMiddleware(s.authConfig, authenticator, s.writeAuthError)
	return s.authMiddleware
}

// Handler builds the routed handler. Start uses it; tests may mount it on an
// httptest server directly.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlerLocked()
}

func (s *Server) handlerLocked() http.Handler {
	if s.rateLimiter == nil {
		s.rateLimiter = newRateLimiter(s.rateLimiterConfig, s.logger)
	}
	authMW := s.getAuthMiddleware()
	operator := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return s.instrument(route, authMW.Handler(s.rateLimitMiddleware(h))).ServeHTTP
	}
	node := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return s.instrument(route, s.rateLimitMiddleware(h)).ServeHTTP
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/nodes/register", node("register", s.handleRegisterNode))
	mux.HandleFunc("/api/v1/telemetry/ingest", node("ingest", s.handleIngest))
	mux.HandleFunc("/api/v1/nodes", operator("nodes", s.routeNodesRoot))
	mux.HandleFunc("/api/v1/nodes/", operator("node", s.routeNodes))
	mux.HandleFunc("/streams/", operator("streams", s.routeStreams))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	return otel.Middleware(s.tracer)(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	handler := s.handlerLocked()

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	// No WriteTimeout: SSE responses stay open for the life of the subscriber.
	s.server = &http.Server{
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server.RegisterOnShutdown(s.closeStreams)

	s.running = true
	logger := s.logger

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	logger.Info("server listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) closeStreams() {
	s.closeStreamsOnce.Do(func() { close(s.streamsDone) })
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) routeNodesRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListNodes(w, r)
	case http.MethodPost:
		s.handleProvisionNode(w, r)
	default:
		s.writeMethodNotAllowed(w, r.Method, "GET, POST")
	}
}

// routeNodes dispatches /api/v1/nodes/{id}[/action].
func (s *Server) routeNodes(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/nodes/"), "/")
	if path == "" {
		s.routeNodesRoot(w, r)
		return
	}

	parts := strings.Split(path, "/")
	nodeID := parts[0]

	if len(parts) == 1 {
		s.handleGetNode(w, r, nodeID)
		return
	}
	if len(parts) > 2 {
		s.writeNotFound(w, r)
		return
	}

	switch parts[1] {
	case "metrics":
		s.handleNodeMetrics(w, r, nodeID)
	case "events":
		s.handleNodeEvents(w, r, nodeID)
	case "retire":
		s.handleRetireNode(w, r, nodeID)
	case "maintenance":
		s.handleMaintenance(w, r, nodeID)
	default:
		s.writeNotFound(w, r)
	}
}

// routeStreams dispatches /streams/nodes/{id}, /streams/nodes/{id}/messages
// and /streams/accounts/{id}.
func (s *Server) routeStreams(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/streams/"), "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "nodes" && parts[1] != "":
		s.handleNodeStream(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "nodes" && parts[2] == "messages":
		s.handleClientMessage(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "accounts" && parts[1] != "":
		s.handleAccountStream(w, r, parts[1])
	default:
		s.writeNotFound(w, r)
	}
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.rateLimiter == nil {
			s.rateLimiter = newRateLimiter(s.rateLimiterConfig, s.logger)
		}
		rl := s.rateLimiter
		config := s.rateLimiterConfig
		s.mu.Unlock()

		if !rl.allowKey(clientKey(r)) {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.BurstSize))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))
			w.Header().Set("Retry-After", "1")

			s.writeError(w, http.StatusTooManyRequests, &ErrorResponse{
				ErrorType:    ErrorTypeRateLimited,
				ErrorCode:    "RATE_LIMIT_EXCEEDED",
				ErrorMessage: "Too many requests. Please slow down.",
				Retryable:    true,
				Details: map[string]any{
					"retry_after_seconds": 1,
				},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// instrument counts requests per route and status class.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		mc := s.metricsCollector
		s.mu.Unlock()
		if mc == nil {
			next.ServeHTTP(w, r)
			return
		}
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		mc.RecordHTTPRequest(route, rw.status)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *statusWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// StartTestServer creates a test server and returns it with a cleanup function.
// Returns an error if the server fails to start.
func StartTestServer(svc *ingest.Service, st store.Store, b *bus.Bus) (*Server, func(), error) {
	server := NewServer("127.0.0.1:0", svc, st, b)
	if err := server.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start test server: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return server, cleanup, nil
}
