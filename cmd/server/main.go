package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bc-dunia/satori/internal/anomaly"
	"github.com/bc-dunia/satori/internal/auth"
	"github.com/bc-dunia/satori/internal/bus"
	"github.com/bc-dunia/satori/internal/codec"
	"github.com/bc-dunia/satori/internal/config"
	"github.com/bc-dunia/satori/internal/controlplane/api"
	"github.com/bc-dunia/satori/internal/ingest"
	"github.com/bc-dunia/satori/internal/logging"
	"github.com/bc-dunia/satori/internal/metrics"
	"github.com/bc-dunia/satori/internal/monitor"
	"github.com/bc-dunia/satori/internal/otel"
	"github.com/bc-dunia/satori/internal/retention"
	"github.com/bc-dunia/satori/internal/store"
)

func main() {
	configPath := pflag.String("config", "", "Path to the YAML configuration file")
	addr := pflag.String("addr", "", "HTTP listen address (overrides listen_addr)")
	logLevel := pflag.String("log-level", "", "Log level: debug, info, warn, error")
	dbDriver := pflag.String("db-driver", "", "Store driver: memory or postgres")
	dbDSN := pflag.String("db-dsn", "", "PostgreSQL DSN")
	redisURL := pflag.String("redis-url", "", "Redis URL for the cross-instance bus bridge")
	secret := pflag.String("shared-secret", "", "Transport secret for encrypted payloads")
	authMode := pflag.String("auth-mode", "", "Authentication mode: none, api_key, jwt")
	jwtSecret := pflag.String("jwt-secret", "", "JWT secret (for jwt mode)")
	allowMessages := pflag.Bool("allow-client-messages", false, "Accept client annotations on node streams")
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *dbDriver != "" {
		cfg.Database.Driver = *dbDriver
	}
	if *dbDSN != "" {
		cfg.Database.DSN = *dbDSN
	}
	if *redisURL != "" {
		cfg.Redis.URL = *redisURL
	}
	if *secret != "" {
		cfg.Transport.SharedSecret = *secret
	}
	if *authMode != "" {
		cfg.Auth.Mode = auth.AuthMode(*authMode)
	}
	if *jwtSecret != "" {
		cfg.Auth.JWTSecret = *jwtSecret
	}
	if pflag.CommandLine.Changed("allow-client-messages") {
		cfg.Streams.AllowClientMessages = *allowMessages
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New("server", os.Stderr, level)
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Server, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	tracer, err := otel.NewTracer(ctx, &cfg.Otel)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	registry := bus.NewRegistry(cfg.Bus.QueueSize)
	defer registry.Close()
	busOpts := []bus.Option{bus.WithLogger(logger.With("component", "bus"))}
	if cfg.Redis.URL != "" {
		client, err := bus.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		bridge := bus.NewRedisBridge(client, registry, cfg.Redis.ChannelPrefix, logger.With("component", "redis_bridge"))
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		defer bridge.Stop()
		busOpts = append(busOpts, bus.WithBridge(bridge))
	}
	b := bus.New(registry, busOpts...)

	evaluator, err := anomaly.New(cfg.Anomaly)
	if err != nil {
		return err
	}

	mc := metrics.NewCollector()
	mc.SetNodeProvider(st)
	mc.SetBusProvider(registry)

	ingestOpts := []ingest.Option{
		ingest.WithPublisher(b),
		ingest.WithRecorder(mc),
		ingest.WithTracer(tracer),
		ingest.WithLogger(logger.With("component", "ingest")),
	}
	if cfg.Transport.SharedSecret != "" {
		deriver, err := codec.DeriverByName(cfg.Transport.KeyDerivation)
		if err != nil {
			return err
		}
		c, err := codec.New([]byte(cfg.Transport.SharedSecret), deriver, codec.WithCompression(cfg.Transport.Compression))
		if err != nil {
			return fmt.Errorf("transport codec: %w", err)
		}
		ingestOpts = append(ingestOpts, ingest.WithCodec(c))
	} else {
		logger.Warn("no transport secret configured; encrypted payloads will be rejected")
	}
	svc := ingest.NewService(st, evaluator, ingestOpts...)

	server := api.NewServer(cfg.ListenAddr, svc, st, b)
	server.SetAuthConfig(&cfg.Auth)
	server.SetRateLimiterConfig(&cfg.RateLimit)
	server.SetStreamConfig(&cfg.Streams)
	server.SetMetricsCollector(mc)
	server.SetTracer(tracer)
	server.SetLogger(logger.With("component", "api"))

	hb := monitor.NewHeartbeatMonitor(st, cfg.Monitor.OfflineTimeout, cfg.Monitor.Interval)
	hb.SetPublisher(b)
	hb.SetRecorder(mc)
	hb.SetLogger(logger.With("component", "monitor"))

	rm := retention.NewManager(cfg.Retention, st)
	rm.SetRecorder(mc)
	rm.SetLogger(logger.With("component", "retention"))

	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	hb.Start()
	rm.Start()

	logger.Info("satori collector listening",
		"url", server.URL(),
		"store", cfg.Database.Driver,
		"auth_mode", string(cfg.Auth.Mode),
		"redis_bridge", cfg.Redis.URL != "",
		"encrypted_ingest", cfg.Transport.SharedSecret != "",
	)

	<-ctx.Done()
	logger.Info("shutting down")

	rm.Stop()
	hb.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return store.OpenPostgres(openCtx, cfg.Postgres())
	default:
		ms := store.NewMemoryStore()
		if cfg.MaxSamplesPerNode > 0 {
			ms.SetMaxSamplesPerNode(cfg.MaxSamplesPerNode)
		}
		return ms, nil
	}
}
