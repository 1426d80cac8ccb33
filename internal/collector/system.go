package collector

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bc-dunia/satori/internal/types"
)

func (c *Collector) collectCPU(ctx context.Context) (Fragment, error) {
	perCore, err := cpu.PercentWithContext(ctx, c.cfg.CPUSampleInterval, true)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	if len(perCore) == 0 {
		return nil, fmt.Errorf("cpu percent: no cores reported")
	}
	var total float64
	for _, p := range perCore {
		total += p
	}

	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("cpu times: %w", err)
	}
	if len(times) == 0 {
		return nil, fmt.Errorf("cpu times: empty result")
	}

	out := &types.CPU{
		OverallPercent: clampPercent(total / float64(len(perCore))),
		PerCore:        perCore,
		UserTime:       times[0].User,
		SystemTime:     times[0].System,
		IdleTime:       times[0].Idle,
	}
	// Load average is optional; Windows hosts have none.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return func(s *types.Snapshot) { s.CPU = out }, nil
}

func collectMemory(ctx context.Context) (Fragment, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	out := &types.Memory{
		Total:       vm.Total,
		Used:        vm.Used,
		Free:        vm.Free,
		Available:   vm.Available,
		PercentUsed: clampPercent(vm.UsedPercent),
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		out.SwapTotal = swap.Total
		out.SwapUsed = swap.Used
		out.SwapPercent = clampPercent(swap.UsedPercent)
	}
	return func(s *types.Snapshot) { s.Memory = out }, nil
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
