package api

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxRateLimiterClients      = 10000
	defaultRateLimiterClientTTL       = 10 * time.Minute
	defaultRateLimiterCleanupInterval = time.Minute
)

// RateLimiterConfig configures the per-client token bucket rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the rate at which tokens are added to the bucket.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of tokens (burst capacity).
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
	// MaxClients is the maximum number of client buckets to retain.
	MaxClients int `yaml:"max_clients"`
	// ClientTTL is how long to retain idle client buckets.
	ClientTTL time.Duration `yaml:"client_ttl"`
	// CleanupInterval controls how often idle buckets are cleaned.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRateLimiterConfig returns sensible defaults for the rate limiter.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		Enabled:           true,
		MaxClients:        defaultMaxRateLimiterClients,
		ClientTTL:         defaultRateLimiterClientTTL,
		CleanupInterval:   defaultRateLimiterCleanupInterval,
	}
}

// rateLimiter keeps one token bucket per client.
type rateLimiter struct {
	config      *RateLimiterConfig
	logger      *slog.Logger
	now         func() time.Time
	mu          sync.Mutex
	buckets     map[string]*clientBucket
	lastCleanup time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(config *RateLimiterConfig, logger *slog.Logger) *rateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &rateLimiter{
		config:      config,
		logger:      logger,
		now:         time.Now,
		buckets:     make(map[string]*clientBucket),
		lastCleanup: time.Now(),
	}
}

func (rl *rateLimiter) allowKey(key string) bool {
	if !rl.config.Enabled {
		return true
	}
	if key == "" {
		key = "unknown"
	}

	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupLocked(now)

	bucket, ok := rl.buckets[key]
	if !ok {
		if rl.config.MaxClients > 0 && len(rl.buckets) >= rl.config.MaxClients {
			rl.evictOldestLocked()
		}
		bucket = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.buckets[key] = bucket
	}

	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) cleanupLocked(now time.Time) {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = defaultRateLimiterCleanupInterval
	}
	if now.Sub(rl.lastCleanup) < interval {
		return
	}
	rl.lastCleanup = now

	ttl := rl.config.ClientTTL
	if ttl <= 0 {
		ttl = defaultRateLimiterClientTTL
	}
	cutoff := now.Add(-ttl)
	for key, bucket := range rl.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *rateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, bucket := range rl.buckets {
		if first || bucket.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = bucket.lastSeen
			first = false
		}
	}
	if oldestKey != "" {
		rl.logger.Warn("rate limiter at max clients, evicting oldest bucket",
			"max_clients", rl.config.MaxClients, "client", oldestKey)
		delete(rl.buckets, oldestKey)
	}
}

// clientKey identifies the caller: the node credential for agent traffic,
// otherwise the remote IP.
func clientKey(r *http.Request) string {
	if key := r.Header.Get(HeaderNodeKey); key != "" {
		return "node:" + credentialFingerprint(key)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
