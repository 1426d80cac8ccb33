package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/net"

	"github.com/bc-dunia/satori/internal/types"
)

func (c *Collector) collectNetwork(ctx context.Context) (Fragment, error) {
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("network io counters: %w", err)
	}

	up := make(map[string]bool)
	if ifaces, err := net.InterfacesWithContext(ctx); err == nil {
		for _, iface := range ifaces {
			up[iface.Name] = slices.Contains(iface.Flags, "up")
		}
	}

	out := &types.Network{
		Interfaces:     make([]types.NetworkInterface, 0, len(counters)),
		Connections:    make(map[string]int),
		ListeningPorts: []int{},
	}
	for _, io := range counters {
		out.Interfaces = append(out.Interfaces, types.NetworkInterface{
			Name:        io.Name,
			Speed:       linkSpeed(c.cfg.SysClassNet, io.Name),
			IsUp:        up[io.Name],
			BytesSent:   io.BytesSent,
			BytesRecv:   io.BytesRecv,
			PacketsSent: io.PacketsSent,
			PacketsRecv: io.PacketsRecv,
			ErrorsIn:    io.Errin,
			ErrorsOut:   io.Errout,
			DropIn:      io.Dropin,
			DropOut:     io.Dropout,
		})
	}

	// Connection tables need elevated privileges on some hosts; an unreadable
	// table leaves the counts empty rather than failing the category.
	if conns, err := net.ConnectionsWithContext(ctx, "tcp"); err == nil {
		seen := make(map[int]bool)
		for _, conn := range conns {
			if conn.Status == "" {
				continue
			}
			out.Connections[conn.Status]++
			if conn.Status == "LISTEN" && !seen[int(conn.Laddr.Port)] {
				seen[int(conn.Laddr.Port)] = true
				out.ListeningPorts = append(out.ListeningPorts, int(conn.Laddr.Port))
			}
		}
		slices.Sort(out.ListeningPorts)
	}
	if udp, err := net.ConnectionsWithContext(ctx, "udp"); err == nil {
		out.UDPCount = len(udp)
	}

	return func(s *types.Snapshot) { s.Network = out }, nil
}

// linkSpeed reads the negotiated speed in Mbit/s. Virtual and down links
// report -1 or an unreadable file, both of which map to 0.
func linkSpeed(sysClassNet, iface string) int {
	data, err := os.ReadFile(filepath.Join(sysClassNet, iface, "speed"))
	if err != nil {
		return 0
	}
	speed, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || speed < 0 {
		return 0
	}
	return speed
}
