package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/bc-dunia/satori/internal/types"
)

func (c *Collector) collectKernel(ctx context.Context) (Fragment, error) {
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("uptime: %w", err)
	}
	boot, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("boot time: %w", err)
	}

	out := &types.Kernel{
		UptimeSeconds: uptime,
		BootTime:      time.Unix(int64(boot), 0).UTC(),
	}
	out.Version, _ = host.KernelVersionWithContext(ctx)

	kern, _, err := tailFirst([]string{c.cfg.KernelLogPath}, c.cfg.KernelTailLines)
	if err != nil {
		return nil, fmt.Errorf("read kernel log: %w", err)
	}
	out.PanicCount = countMatching(kern, "Kernel panic")

	syslog, _, err := tailFirst(c.cfg.SyslogPaths, c.cfg.KernelTailLines)
	if err != nil {
		return nil, fmt.Errorf("read syslog: %w", err)
	}
	out.OOMKillCount = countMatching(syslog, "Out of memory", "oom-killer")

	return func(s *types.Snapshot) { s.Kernel = out }, nil
}

func countMatching(lines []string, needles ...string) int {
	n := 0
	for _, line := range lines {
		for _, needle := range needles {
			if strings.Contains(line, needle) {
				n++
				break
			}
		}
	}
	return n
}
