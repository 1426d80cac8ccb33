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

	"github.com/bc-dunia/satori/internal/agent"
	"github.com/bc-dunia/satori/internal/collector"
	"github.com/bc-dunia/satori/internal/logging"
	"github.com/bc-dunia/satori/internal/otel"
	"github.com/bc-dunia/satori/internal/types"
)

// updates are the configuration fields settable from the command line.
type updates struct {
	serverURL string
	interval  int
	apiKey    string
}

func (u updates) empty() bool {
	return u.serverURL == "" && u.interval == 0 && u.apiKey == ""
}

func main() {
	configPath := pflag.String("config", agent.DefaultConfigPath, "Path to the agent configuration file")
	configure := pflag.Bool("configure", false, "Write a default configuration file and exit")
	serverURL := pflag.String("server-url", "", "Set the collector URL")
	interval := pflag.Int("interval", 0, "Set the transmission interval in seconds")
	apiKey := pflag.String("api-key", "", "Set the node API key")
	logLevel := pflag.String("log-level", "info", "Log level: debug, info, warn, error")
	otelExporter := pflag.String("otel-exporter", "", "OpenTelemetry exporter: stdout, otlp-grpc, otlp-http")
	otelEndpoint := pflag.String("otel-endpoint", "", "OTLP endpoint")
	pflag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New("agent", os.Stderr, level)
	logging.SetDefault(logger)

	file := agent.NewConfigFile(*configPath)

	if *configure {
		if err := writeDefaultConfig(file); err != nil {
			logger.Error("write default configuration", "path", file.Path, "error", err)
			os.Exit(1)
		}
		logger.Info("default configuration written", "path", file.Path)
		return
	}

	u := updates{serverURL: *serverURL, interval: *interval, apiKey: *apiKey}
	if !u.empty() {
		if _, err := applyUpdates(file, u); err != nil {
			logger.Error("update configuration", "path", file.Path, "error", err)
			os.Exit(1)
		}
		logger.Info("configuration updated", "path", file.Path)
	}

	cfg, err := file.Load()
	if err != nil {
		logger.Error("load configuration", "path", file.Path, "error", err)
		os.Exit(1)
	}

	otelCfg := otel.DefaultConfig()
	otelCfg.ServiceName = "satori-agent"
	if *otelExporter != "" {
		otelCfg.Enabled = true
		otelCfg.ExporterType = otel.ExporterType(*otelExporter)
		otelCfg.OTLPEndpoint = *otelEndpoint
	}

	if err := run(cfg, file, otelCfg, logger); err != nil {
		var regErr *agent.RegistrationError
		if errors.As(err, &regErr) {
			logger.Error("registration failed", "error", err)
		} else {
			logger.Error("agent exited", "error", err)
		}
		os.Exit(1)
	}
}

func run(cfg *agent.Config, file *agent.ConfigFile, otelCfg *otel.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := otel.NewTracer(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	meters, err := otel.NewAgentMetrics(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("agent metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = meters.Shutdown(shutdownCtx)
		_ = tracer.Shutdown(shutdownCtx)
	}()

	col := collector.New(cfg.CollectorConfig(), logger.With("component", "collector"))

	client := agent.NewClient(cfg.ServerURL, cfg.APIKey, nil, cfg.Timeout())
	client.SetTracer(tracer)

	a, err := agent.New(cfg, col, client,
		agent.WithConfigFile(file),
		agent.WithLogger(logger),
		agent.WithTracer(tracer),
		agent.WithMetrics(meters),
	)
	if err != nil {
		return err
	}

	logger.Info("starting satori agent", "server_url", cfg.ServerURL, "config", file.Path)
	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// writeDefaultConfig creates the configuration file with placeholder values,
// keeping any values already present.
func writeDefaultConfig(file *agent.ConfigFile) error {
	_, err := file.Update(func(c *agent.Config) {
		if c.ServerURL == "" {
			c.ServerURL = "http://localhost:8080"
		}
		if c.TransmissionInterval == 0 {
			c.TransmissionInterval = 30
		}
		if c.CollectMetrics == nil {
			c.CollectMetrics = make(map[string]bool)
		}
		for _, cat := range types.AllCategories() {
			if _, ok := c.CollectMetrics[string(cat)]; !ok {
				c.CollectMetrics[string(cat)] = true
			}
		}
	})
	return err
}

// applyUpdates persists the command-line settings into the configuration file.
func applyUpdates(file *agent.ConfigFile, u updates) (*agent.Config, error) {
	if u.interval < 0 {
		return nil, fmt.Errorf("interval must not be negative, got %d", u.interval)
	}
	return file.Update(func(c *agent.Config) {
		if u.serverURL != "" {
			c.ServerURL = u.serverURL
		}
		if u.interval > 0 {
			c.TransmissionInterval = u.interval
		}
		if u.apiKey != "" {
			c.APIKey = u.apiKey
			// A new credential belongs to a different node.
			c.NodeID = ""
		}
	})
}
