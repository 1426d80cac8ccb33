package collector

import (
	"context"
	"fmt"
	"sort"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/bc-dunia/satori/internal/types"
)

func (c *Collector) collectProcesses(ctx context.Context) (Fragment, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := &types.Processes{Total: len(procs)}
	infos := make([]types.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Processes exit while we iterate; skip any we can no longer read.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		info := types.ProcessInfo{PID: p.Pid, Name: name}
		if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
			info.Status = status[0]
			switch status[0] {
			case process.Running:
				out.Running++
			case process.Sleep, process.Idle:
				out.Sleeping++
			}
		}
		info.CPUPercent, _ = p.CPUPercentWithContext(ctx)
		if memPct, err := p.MemoryPercentWithContext(ctx); err == nil {
			info.MemoryPercent = float64(memPct)
		}
		info.Username, _ = p.UsernameWithContext(ctx)
		if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
			info.Cmdline = truncate(cmdline, c.cfg.CmdlineMaxLen)
		}
		infos = append(infos, info)
	}

	out.TopCPU = topN(infos, c.cfg.TopN, func(a, b types.ProcessInfo) bool { return a.CPUPercent > b.CPUPercent })
	out.TopMemory = topN(infos, c.cfg.TopN, func(a, b types.ProcessInfo) bool { return a.MemoryPercent > b.MemoryPercent })
	return func(s *types.Snapshot) { s.Processes = out }, nil
}

func topN(infos []types.ProcessInfo, n int, less func(a, b types.ProcessInfo) bool) []types.ProcessInfo {
	sorted := make([]types.ProcessInfo, len(infos))
	copy(sorted, infos)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
