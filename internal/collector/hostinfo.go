package collector

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/bc-dunia/satori/internal/types"
)

// HostFacts gathers the identity facts an agent reports when registering.
func HostFacts(ctx context.Context, capabilities []types.Category) (*types.HostFacts, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("cpu count: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}

	osVersion := strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	return &types.HostFacts{
		Hostname:      info.Hostname,
		OSType:        info.OS,
		OSVersion:     osVersion,
		KernelVersion: info.KernelVersion,
		CPUCores:      cores,
		TotalMemory:   vm.Total,
		IPAddress:     primaryIP(ctx),
		Capabilities:  capabilities,
	}, nil
}

// primaryIP returns the first global unicast IPv4 address, or "" if none.
func primaryIP(ctx context.Context) string {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			prefix, err := netip.ParsePrefix(addr.Addr)
			if err != nil {
				continue
			}
			ip := prefix.Addr()
			if ip.Is4() && ip.IsGlobalUnicast() {
				return ip.String()
			}
		}
	}
	return ""
}
