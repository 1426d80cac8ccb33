// Package retention prunes old metric samples.
package retention

// Config holds retention policy configuration.
type Config struct {
	// SampleTTLHours is the time-to-live for metric samples in hours.
	// Samples older than this are deleted during cleanup. Events are kept.
	// Default: 168 (7 days)
	SampleTTLHours int `yaml:"sample_ttl_hours"`

	// CleanupIntervalHours is the interval between cleanup runs in hours.
	// Default: 24 (once per day)
	CleanupIntervalHours int `yaml:"interval_hours"`
}

const (
	defaultSampleTTLHours       = 168
	defaultCleanupIntervalHours = 24
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		SampleTTLHours:       defaultSampleTTLHours,
		CleanupIntervalHours: defaultCleanupIntervalHours,
	}
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	result := c
	if result.SampleTTLHours <= 0 {
		result.SampleTTLHours = defaultSampleTTLHours
	}
	if result.CleanupIntervalHours <= 0 {
		result.CleanupIntervalHours = defaultCleanupIntervalHours
	}
	return result
}
