// Package collector gathers a structured snapshot of host state on the agent.
//
// Each category is collected by an independent probe. Probes run concurrently
// and a failing probe only removes its own category from the snapshot.
package collector

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bc-dunia/satori/internal/types"
)

// Fragment writes one category's result into a snapshot.
type Fragment func(*types.Snapshot)

// Probe collects one category.
type Probe func(ctx context.Context) (Fragment, error)

// Result is the outcome of one probe.
type Result struct {
	Category types.Category
	Fragment Fragment
	Err      *CollectionError
	Duration time.Duration
}

// Config tunes the built-in probes.
type Config struct {
	// TopN is the length of the top-by-CPU and top-by-memory process lists.
	TopN int

	// ProbeTimeout bounds a single category probe.
	ProbeTimeout time.Duration

	// CPUSampleInterval is the window over which CPU utilisation is measured.
	CPUSampleInterval time.Duration

	// AuthLogPaths are tried in order; the first existing file is tailed.
	AuthLogPaths      []string
	SecurityTailLines int

	KernelLogPath   string
	SyslogPaths     []string
	KernelTailLines int

	MaxServices   int
	CmdlineMaxLen int

	// SysClassNet is where link speeds are read from.
	SysClassNet string
}

// DefaultConfig returns the probe defaults used by the agent.
func DefaultConfig() Config {
	return Config{
		TopN:              20,
		ProbeTimeout:      15 * time.Second,
		CPUSampleInterval: time.Second,
		AuthLogPaths:      []string{"/var/log/auth.log", "/var/log/secure"},
		SecurityTailLines: 100,
		KernelLogPath:     "/var/log/kern.log",
		SyslogPaths:       []string{"/var/log/syslog", "/var/log/messages"},
		KernelTailLines:   1000,
		MaxServices:       50,
		CmdlineMaxLen:     200,
		SysClassNet:       "/sys/class/net",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TopN <= 0 {
		c.TopN = d.TopN
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.CPUSampleInterval <= 0 {
		c.CPUSampleInterval = d.CPUSampleInterval
	}
	if len(c.AuthLogPaths) == 0 {
		c.AuthLogPaths = d.AuthLogPaths
	}
	if c.SecurityTailLines <= 0 {
		c.SecurityTailLines = d.SecurityTailLines
	}
	if c.KernelLogPath == "" {
		c.KernelLogPath = d.KernelLogPath
	}
	if len(c.SyslogPaths) == 0 {
		c.SyslogPaths = d.SyslogPaths
	}
	if c.KernelTailLines <= 0 {
		c.KernelTailLines = d.KernelTailLines
	}
	if c.MaxServices <= 0 {
		c.MaxServices = d.MaxServices
	}
	if c.CmdlineMaxLen <= 0 {
		c.CmdlineMaxLen = d.CmdlineMaxLen
	}
	if c.SysClassNet == "" {
		c.SysClassNet = d.SysClassNet
	}
	return c
}

// Collector produces snapshots from a set of category probes.
type Collector struct {
	cfg      Config
	logger   *slog.Logger
	probes   map[types.Category]Probe
	now      func() time.Time
	hostname string

	containers ContainerSource
	runner     CommandRunner
}

// Option customises a Collector.
type Option func(*Collector)

// WithProbe replaces the probe for one category.
func WithProbe(cat types.Category, p Probe) Option {
	return func(c *Collector) { c.probes[cat] = p }
}

// WithContainerSource sets the container runtime used by the container probe.
func WithContainerSource(src ContainerSource) Option {
	return func(c *Collector) { c.containers = src }
}

// WithCommandRunner sets how external commands are executed.
func WithCommandRunner(r CommandRunner) Option {
	return func(c *Collector) { c.runner = r }
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New builds a Collector with the built-in host probes. Options are applied
// after the defaults, so WithProbe overrides a built-in probe.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	hostname, _ := os.Hostname()
	c := &Collector{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "collector"),
		probes:   make(map[types.Category]Probe),
		now:      time.Now,
		hostname: hostname,
		runner:   execRunner{},
	}

	// Sources may be replaced by options, so probes resolve them lazily.
	disk := newDiskProbe()
	c.probes[types.CategoryCPU] = c.collectCPU
	c.probes[types.CategoryMemory] = collectMemory
	c.probes[types.CategoryDisk] = disk.collect
	c.probes[types.CategoryNetwork] = c.collectNetwork
	c.probes[types.CategoryProcess] = c.collectProcesses
	c.probes[types.CategorySecurity] = c.collectSecurity
	c.probes[types.CategoryKernel] = c.collectKernel
	c.probes[types.CategoryContainer] = c.collectContainers
	c.probes[types.CategoryService] = c.collectServices

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs the probes for every enabled category and assembles the
// snapshot. Failed categories are absent from the snapshot; their errors are
// logged and returned for accounting only.
func (c *Collector) Collect(ctx context.Context, enabled types.CategorySet) (*types.Snapshot, []*CollectionError) {
	snap := &types.Snapshot{
		Timestamp: c.now().UTC(),
		Hostname:  c.hostname,
	}

	results := c.run(ctx, enabled.List())

	var errs []*CollectionError
	for _, r := range results {
		if r.Err != nil {
			c.logger.Warn("category collection failed",
				"category", string(r.Category),
				"duration_ms", r.Duration.Milliseconds(),
				"error", r.Err.Err)
			errs = append(errs, r.Err)
			continue
		}
		r.Fragment(snap)
		c.logger.Debug("category collected",
			"category", string(r.Category),
			"duration_ms", r.Duration.Milliseconds())
	}
	return snap, errs
}

func (c *Collector) run(ctx context.Context, cats []types.Category) []Result {
	results := make([]Result, len(cats))

	var g errgroup.Group
	for i, cat := range cats {
		g.Go(func() error {
			results[i] = c.runProbe(ctx, cat)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Collector) runProbe(ctx context.Context, cat types.Category) Result {
	start := time.Now()
	probe, ok := c.probes[cat]
	if !ok {
		return Result{Category: cat, Err: &CollectionError{Category: cat, Err: ErrNoProbe}}
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	frag, err := probe(pctx)
	res := Result{Category: cat, Duration: time.Since(start)}
	switch {
	case err != nil:
		res.Err = &CollectionError{Category: cat, Err: err}
	case frag == nil:
		res.Err = &CollectionError{Category: cat, Err: ErrEmptyResult}
	default:
		res.Fragment = frag
	}
	return res
}
