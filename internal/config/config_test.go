package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bc-dunia/satori/internal/anomaly"
	"github.com/bc-dunia/satori/internal/auth"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.ListenAddr)
	}
	if cfg.Database.Driver != DriverMemory {
		t.Errorf("expected memory driver, got %s", cfg.Database.Driver)
	}
	if cfg.Monitor.OfflineTimeout != 90*time.Second {
		t.Errorf("expected 90s offline timeout, got %v", cfg.Monitor.OfflineTimeout)
	}
	if cfg.Retention.SampleTTLHours != 168 {
		t.Errorf("expected 168h sample ttl, got %d", cfg.Retention.SampleTTLHours)
	}
	if cfg.Streams.AllowClientMessages {
		t.Error("expected client messages disabled by default")
	}
	if cfg.Auth.Mode != auth.AuthModeNone {
		t.Errorf("expected auth mode none, got %s", cfg.Auth.Mode)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
log_level: debug
database:
  driver: postgres
  dsn: postgres://satori@localhost/satori?sslmode=disable
  conn_max_lifetime: 5m
redis:
  url: redis://localhost:6379/0
transport:
  shared_secret: s3cret
  key_derivation: hkdf
  compression: true
anomaly:
  cpu_immediate: 95
  window: 15m
monitor:
  offline_timeout: 3m
retention:
  sample_ttl_hours: 24
rate_limit:
  enabled: false
streams:
  allow_client_messages: true
auth:
  mode: api_key
  api_keys:
    - key: op-key
      org_id: acme
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != ":9090" || cfg.LogLevel != "debug" {
		t.Errorf("unexpected top level values: %s %s", cfg.ListenAddr, cfg.LogLevel)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Database.MaxOpenConns != 20 {
		t.Errorf("expected default pool size to survive, got %d", cfg.Database.MaxOpenConns)
	}
	pg := cfg.Database.Postgres()
	if pg.DSN != cfg.Database.DSN || !pg.Migrate {
		t.Errorf("unexpected postgres config: %+v", pg)
	}
	if cfg.Redis.URL == "" || cfg.Redis.ChannelPrefix != "satori" {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Transport.KeyDerivation != "hkdf" || !cfg.Transport.Compression {
		t.Errorf("unexpected transport config: %+v", cfg.Transport)
	}
	if cfg.Anomaly.CPUImmediate != 95 || cfg.Anomaly.Window != 15*time.Minute {
		t.Errorf("unexpected anomaly overrides: %+v", cfg.Anomaly)
	}
	if cfg.Anomaly.MemoryImmediate != anomaly.DefaultThresholds().MemoryImmediate {
		t.Errorf("expected untouched thresholds to keep defaults, got %v", cfg.Anomaly.MemoryImmediate)
	}
	if cfg.Monitor.OfflineTimeout != 3*time.Minute || cfg.Monitor.Interval != 30*time.Second {
		t.Errorf("unexpected monitor config: %+v", cfg.Monitor)
	}
	if cfg.Retention.SampleTTLHours != 24 || cfg.Retention.CleanupIntervalHours != 24 {
		t.Errorf("unexpected retention config: %+v", cfg.Retention)
	}
	if cfg.RateLimit.Enabled {
		t.Error("expected rate limiting disabled")
	}
	if !cfg.Streams.AllowClientMessages || cfg.Streams.KeepaliveInterval != 15*time.Second {
		t.Errorf("unexpected streams config: %+v", cfg.Streams)
	}
	if cfg.Auth.Mode != auth.AuthModeAPIKey || len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0].OrgID != "acme" {
		t.Errorf("unexpected auth config: %+v", cfg.Auth)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "listen_addr: [unterminated")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Server)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Server) { c.Database.Driver = "sqlite" },
			wantErr: "database.driver",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Server) { c.Database.Driver = DriverPostgres },
			wantErr: "database.dsn",
		},
		{
			name:    "unknown key derivation",
			mutate:  func(c *Server) { c.Transport.KeyDerivation = "md5" },
			wantErr: "transport.key_derivation",
		},
		{
			name:    "bad threshold",
			mutate:  func(c *Server) { c.Anomaly.CPUImmediate = 150 },
			wantErr: "anomaly",
		},
		{
			name:    "jwt without secret",
			mutate:  func(c *Server) { c.Auth.Mode = auth.AuthModeJWT },
			wantErr: "auth",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Server) { c.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name:    "interval longer than timeout",
			mutate:  func(c *Server) { c.Monitor.Interval = 10 * time.Minute },
			wantErr: "monitor.interval",
		},
		{
			name:    "zero rate",
			mutate:  func(c *Server) { c.RateLimit.RequestsPerSecond = 0 },
			wantErr: "rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "sqlite"
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "database.driver") || !strings.Contains(err.Error(), "log_level") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := (&Server{}).WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero config with defaults invalid: %v", err)
	}
	if cfg.Bus.QueueSize != 256 {
		t.Errorf("expected queue size 256, got %d", cfg.Bus.QueueSize)
	}
	if cfg.Anomaly != anomaly.DefaultThresholds() {
		t.Errorf("expected default thresholds, got %+v", cfg.Anomaly)
	}
}
