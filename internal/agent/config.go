package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/bc-dunia/satori/internal/collector"
	"github.com/bc-dunia/satori/internal/types"
)

// DefaultConfigPath is where the agent looks for its configuration.
const DefaultConfigPath = "/etc/satori-agent/config.json"

const (
	defaultInterval       = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Config is the agent configuration. It is passed explicitly to the loop and
// the collector; there is no process-wide copy.
type Config struct {
	ServerURL string `json:"server_url"`

	// TransmissionInterval is the pause between cycles, in seconds.
	TransmissionInterval int `json:"transmission_interval"`

	// APIKey is the node credential sent with every request.
	APIKey   string `json:"api_key"`
	NodeName string `json:"node_name,omitempty"`

	// EncryptionKey is the operator-provisioned transport secret shared with
	// the collector. When empty, snapshots are sent in plaintext.
	EncryptionKey string `json:"encryption_key,omitempty"`
	KeyDerivation string `json:"key_derivation,omitempty"`
	Compress      bool   `json:"compress,omitempty"`

	// Jitter spreads cycles by up to ±10% of the interval.
	Jitter bool `json:"jitter,omitempty"`

	// CollectMetrics enables or disables categories by name. Categories not
	// listed are enabled.
	CollectMetrics map[string]bool `json:"collect_metrics,omitempty"`

	// NodeID is assigned by the server on registration and persisted here.
	NodeID string `json:"node_id,omitempty"`

	// RequestTimeout bounds a single HTTP exchange, in seconds.
	RequestTimeout int `json:"request_timeout,omitempty"`

	AuthLogPaths  []string `json:"auth_log_paths,omitempty"`
	KernelLogPath string   `json:"kernel_log_path,omitempty"`
	SyslogPaths   []string `json:"syslog_paths,omitempty"`
}

// Interval returns the configured transmission interval.
func (c *Config) Interval() time.Duration {
	if c.TransmissionInterval <= 0 {
		return defaultInterval
	}
	return time.Duration(c.TransmissionInterval) * time.Second
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return time.Duration(c.RequestTimeout) * time.Second
}

// Encrypted reports whether snapshots are sealed before sending.
func (c *Config) Encrypted() bool {
	return c.EncryptionKey != ""
}

// EnabledCategories resolves CollectMetrics into a category set.
func (c *Config) EnabledCategories() (types.CategorySet, error) {
	set := types.NewCategorySet(types.AllCategories()...)
	for name, enabled := range c.CollectMetrics {
		cat, err := types.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		if !enabled {
			delete(set, cat)
		}
	}
	if len(set) == 0 {
		return nil, errors.New("collect_metrics disables every category")
	}
	return set, nil
}

// CollectorConfig returns the probe configuration with the configured log
// paths applied over the defaults.
func (c *Config) CollectorConfig() collector.Config {
	cc := collector.DefaultConfig()
	if len(c.AuthLogPaths) > 0 {
		cc.AuthLogPaths = c.AuthLogPaths
	}
	if c.KernelLogPath != "" {
		cc.KernelLogPath = c.KernelLogPath
	}
	if len(c.SyslogPaths) > 0 {
		cc.SyslogPaths = c.SyslogPaths
	}
	return cc
}

// Validate checks the fields required to run.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url %q must be an http(s) URL", c.ServerURL)
	}
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	if c.TransmissionInterval < 0 {
		return errors.New("transmission_interval must not be negative")
	}
	if _, err := c.EnabledCategories(); err != nil {
		return err
	}
	return nil
}

// ConfigFile loads and persists the agent configuration. Comments and
// trailing commas are accepted on read; writes produce plain JSON.
type ConfigFile struct {
	Path string

	mu sync.Mutex
}

// NewConfigFile returns a ConfigFile for path, or DefaultConfigPath when empty.
func NewConfigFile(path string) *ConfigFile {
	if path == "" {
		path = DefaultConfigPath
	}
	return &ConfigFile{Path: path}
}

// Load reads the configuration from disk.
func (f *ConfigFile) Load() (*Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *ConfigFile) load() (*Config, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config %s: %w", f.Path, err)
	}
	return &cfg, nil
}

// Save writes cfg atomically with owner-only permissions.
func (f *ConfigFile) Save(cfg *Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(cfg)
}

func (f *ConfigFile) save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replace agent config: %w", err)
	}
	return nil
}

// Update applies fn to the on-disk configuration and persists the result.
// A missing file starts from an empty Config.
func (f *ConfigFile) Update(fn func(*Config)) (*Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg, err := f.load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}
	fn(cfg)
	if err := f.save(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
