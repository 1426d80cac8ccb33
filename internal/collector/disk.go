package collector

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/bc-dunia/satori/internal/types"
)

// diskProbe keeps the previous IO counters so IOPS and latency can be derived
// from the delta between cycles.
type diskProbe struct {
	mu       sync.Mutex
	prev     map[string]disk.IOCountersStat
	prevTime time.Time
}

func newDiskProbe() *diskProbe {
	return &diskProbe{}
}

func (d *diskProbe) collect(ctx context.Context) (Fragment, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("disk partitions: %w", err)
	}

	// IO counters are best-effort; usage alone is a valid disk sample.
	counters, _ := disk.IOCountersWithContext(ctx)
	now := time.Now()
	rates := d.rates(counters, now)

	mounts := make([]types.DiskMount, 0, len(parts))
	for _, p := range parts {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		m := types.DiskMount{
			Device:      p.Device,
			MountPoint:  p.Mountpoint,
			FSType:      p.Fstype,
			Total:       usage.Total,
			Used:        usage.Used,
			Free:        usage.Free,
			PercentUsed: clampPercent(usage.UsedPercent),
		}
		name := filepath.Base(p.Device)
		if io, ok := counters[name]; ok {
			m.ReadCount = io.ReadCount
			m.WriteCount = io.WriteCount
		}
		if r, ok := rates[name]; ok {
			m.IOPS = &r.iops
			m.LatencyMs = &r.latencyMs
		}
		mounts = append(mounts, m)
	}
	return func(s *types.Snapshot) { s.Disk = mounts }, nil
}

type ioRate struct {
	iops      float64
	latencyMs float64
}

func (d *diskProbe) rates(cur map[string]disk.IOCountersStat, now time.Time) map[string]ioRate {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]ioRate)
	elapsed := now.Sub(d.prevTime).Seconds()
	if d.prev != nil && elapsed > 0 {
		for name, c := range cur {
			p, ok := d.prev[name]
			if !ok || c.ReadCount < p.ReadCount || c.WriteCount < p.WriteCount {
				continue
			}
			ops := float64((c.ReadCount - p.ReadCount) + (c.WriteCount - p.WriteCount))
			r := ioRate{iops: ops / elapsed}
			if ops > 0 && c.ReadTime >= p.ReadTime && c.WriteTime >= p.WriteTime {
				r.latencyMs = float64((c.ReadTime-p.ReadTime)+(c.WriteTime-p.WriteTime)) / ops
			}
			out[name] = r
		}
	}
	if len(cur) > 0 {
		d.prev = cur
		d.prevTime = now
	}
	return out
}
