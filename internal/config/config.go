// Package config loads the collector server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bc-dunia/satori/internal/anomaly"
	"github.com/bc-dunia/satori/internal/auth"
	"github.com/bc-dunia/satori/internal/codec"
	"github.com/bc-dunia/satori/internal/controlplane/api"
	"github.com/bc-dunia/satori/internal/logging"
	"github.com/bc-dunia/satori/internal/monitor"
	"github.com/bc-dunia/satori/internal/otel"
	"github.com/bc-dunia/satori/internal/retention"
	"github.com/bc-dunia/satori/internal/store"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

const (
	DefaultListenAddr = ":8080"
	DefaultLogLevel   = "info"
)

// Server is the collector server configuration.
type Server struct {
	ListenAddr string                `yaml:"listen_addr"`
	LogLevel   string                `yaml:"log_level"`
	Database   DatabaseConfig        `yaml:"database"`
	Redis      RedisConfig           `yaml:"redis"`
	Transport  TransportConfig       `yaml:"transport"`
	Anomaly    anomaly.Thresholds    `yaml:"anomaly"`
	Bus        BusConfig             `yaml:"bus"`
	Auth       auth.Config           `yaml:"auth"`
	Monitor    MonitorConfig         `yaml:"monitor"`
	Retention  retention.Config      `yaml:"retention"`
	RateLimit  api.RateLimiterConfig `yaml:"rate_limit"`
	Streams    api.StreamConfig      `yaml:"streams"`
	Otel       otel.Config           `yaml:"otel"`
}

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`

	// MaxSamplesPerNode caps the in-memory store.
	MaxSamplesPerNode int `yaml:"max_samples_per_node"`
}

// Postgres returns the store configuration for the postgres driver.
func (d DatabaseConfig) Postgres() store.PostgresConfig {
	return store.PostgresConfig{
		DSN:             d.DSN,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		Migrate:         d.Migrate,
	}
}

// RedisConfig configures the cross-instance bus bridge. An empty URL
// disables it.
type RedisConfig struct {
	URL           string `yaml:"url"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// TransportConfig configures payload decryption.
type TransportConfig struct {
	SharedSecret  string `yaml:"shared_secret"`
	KeyDerivation string `yaml:"key_derivation"`
	Compression   bool   `yaml:"compression"`
}

// BusConfig sizes the per-subscriber queues.
type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// MonitorConfig configures the heartbeat monitor.
type MonitorConfig struct {
	OfflineTimeout time.Duration `yaml:"offline_timeout"`
	Interval       time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Server {
	return &Server{
		ListenAddr: DefaultListenAddr,
		LogLevel:   DefaultLogLevel,
		Database: DatabaseConfig{
			Driver:       DriverMemory,
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			Migrate:      true,
		},
		Redis:     RedisConfig{ChannelPrefix: "satori"},
		Transport: TransportConfig{KeyDerivation: "sha256"},
		Anomaly:   anomaly.DefaultThresholds(),
		Bus:       BusConfig{QueueSize: 256},
		Auth:      *auth.DefaultConfig(),
		Monitor: MonitorConfig{
			OfflineTimeout: monitor.DefaultOfflineTimeout,
			Interval:       monitor.DefaultInterval,
		},
		Retention: retention.DefaultConfig(),
		RateLimit: *api.DefaultRateLimiterConfig(),
		Streams:   *api.DefaultStreamConfig(),
		Otel:      *otel.DefaultConfig(),
	}
}

// Load reads path as YAML over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*Server, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithDefaults fills zero values left by a partial file.
func (c *Server) WithDefaults() *Server {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMemory
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "satori"
	}
	if c.Transport.KeyDerivation == "" {
		c.Transport.KeyDerivation = "sha256"
	}
	if c.Anomaly == (anomaly.Thresholds{}) {
		c.Anomaly = anomaly.DefaultThresholds()
	}
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = 256
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.AuthModeNone
	}
	if c.Auth.DefaultOrg == "" {
		c.Auth.DefaultOrg = "default"
	}
	if c.Monitor.OfflineTimeout <= 0 {
		c.Monitor.OfflineTimeout = monitor.DefaultOfflineTimeout
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = monitor.DefaultInterval
	}
	c.Retention = c.Retention.WithDefaults()
	if c.Streams.KeepaliveInterval <= 0 {
		c.Streams.KeepaliveInterval = api.DefaultStreamConfig().KeepaliveInterval
	}
	return c
}

// Validate reports every configuration problem at once.
func (c *Server) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %s or %s, got %q",
			DriverMemory, DriverPostgres, c.Database.Driver))
	}
	if _, err := codec.DeriverByName(c.Transport.KeyDerivation); err != nil {
		errs = append(errs, fmt.Errorf("transport.key_derivation: %w", err))
	}
	if err := c.Anomaly.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("anomaly: %w", err))
	}
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}
	if c.Monitor.Interval > c.Monitor.OfflineTimeout {
		errs = append(errs, errors.New("monitor.interval must not exceed monitor.offline_timeout"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.BurstSize <= 0) {
		errs = append(errs, errors.New("rate_limit.requests_per_second and rate_limit.burst_size must be positive"))
	}
	return errors.Join(errs...)
}
