// Package typestest provides snapshot fixtures for tests.
package typestest

import (
	"time"

	"github.com/bc-dunia/satori/internal/types"
)

// Snapshot returns a fully populated snapshot with every category present.
func Snapshot(ts time.Time) *types.Snapshot {
	iops := 12.5
	latency := 0.8
	return &types.Snapshot{
		Timestamp: ts.UTC(),
		Hostname:  "web-01",
		CPU: &types.CPU{
			OverallPercent: 42.5,
			PerCore:        []float64{40, 45},
			UserTime:       1200.5,
			SystemTime:     300.25,
			IdleTime:       98000,
			LoadAvg:        []float64{0.5, 0.4, 0.3},
		},
		Memory: &types.Memory{
			Total:       16 << 30,
			Used:        8 << 30,
			Free:        4 << 30,
			Available:   7 << 30,
			PercentUsed: 50,
		},
		Disk: []types.DiskMount{
			{Device: "/dev/sda1", MountPoint: "/", FSType: "ext4", Total: 100 << 30, Used: 40 << 30, Free: 60 << 30, PercentUsed: 40, IOPS: &iops, LatencyMs: &latency},
			{Device: "/dev/sdb1", MountPoint: "/data", FSType: "xfs", Total: 500 << 30, Used: 100 << 30, Free: 400 << 30, PercentUsed: 20},
		},
		Network: &types.Network{
			Interfaces: []types.NetworkInterface{
				{Name: "eth0", Speed: 1000, IsUp: true, BytesSent: 1000, BytesRecv: 2000, PacketsSent: 10, PacketsRecv: 20},
			},
			Connections:    map[string]int{"ESTABLISHED": 12, "LISTEN": 3},
			ListeningPorts: []int{22, 80, 443},
			UDPCount:       2,
		},
		Processes: &types.Processes{
			Total:    120,
			Running:  2,
			Sleeping: 118,
			TopCPU: []types.ProcessInfo{
				{PID: 1, Name: "systemd", Username: "root", CPUPercent: 0.1, MemoryPercent: 0.2},
			},
			TopMemory: []types.ProcessInfo{
				{PID: 900, Name: "postgres", Username: "postgres", CPUPercent: 3, MemoryPercent: 12.5},
			},
		},
		Security: &types.Security{
			FailedLoginAttempts: 1,
			SuccessfulLogins:    2,
			ActiveUsers:         []string{"alice"},
			SudoUsageCount:      1,
		},
		Kernel: &types.Kernel{
			UptimeSeconds: 3600,
			BootTime:      ts.Add(-time.Hour).UTC(),
			Version:       "6.1.0",
		},
		Containers: &types.Containers{
			Running: 1,
			Containers: []types.Container{
				{ID: "abc123", Name: "redis", Image: "redis:7", Status: "running", CPUPercent: 1.5, MemoryUsage: 1 << 20},
			},
		},
		Services: &types.Services{
			Services: []types.Service{
				{Name: "sshd.service", LoadState: "loaded", ActiveState: "active", SubState: "running"},
			},
		},
	}
}

// CPUOnly returns a snapshot carrying only a CPU section.
func CPUOnly(ts time.Time, percent float64) *types.Snapshot {
	return &types.Snapshot{
		Timestamp: ts.UTC(),
		CPU: &types.CPU{
			OverallPercent: percent,
			PerCore:        []float64{percent},
			UserTime:       1,
			SystemTime:     1,
			IdleTime:       1,
		},
	}
}
