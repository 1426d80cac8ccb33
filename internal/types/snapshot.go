package types

import "time"

// Snapshot is one collection cycle's bundle of metric categories. A category that
// failed to collect is nil (absent on the wire), never a zero value.
type Snapshot struct {
	// NodeID is the node identity persisted by the agent after registration.
	// Empty for agents that have not registered yet.
	NodeID string `json:"node_id,omitempty"`

	// Timestamp is the collection time shared by every sample in the bundle.
	Timestamp time.Time `json:"timestamp"`

	Hostname string `json:"hostname,omitempty"`

	CPU        *CPU        `json:"cpu,omitempty"`
	Memory     *Memory     `json:"memory,omitempty"`
	Disk       []DiskMount `json:"disk,omitempty"`
	Network    *Network    `json:"network,omitempty"`
	Processes  *Processes  `json:"processes,omitempty"`
	Security   *Security   `json:"security,omitempty"`
	Kernel     *Kernel     `json:"kernel,omitempty"`
	Containers *Containers `json:"containers,omitempty"`
	Services   *Services   `json:"services,omitempty"`
}

// CPU contains processor utilisation.
type CPU struct {
	// OverallPercent is the machine-wide utilisation (0-100).
	OverallPercent float64 `json:"overall_percent"`

	// PerCore holds one utilisation percentage per logical core.
	PerCore []float64 `json:"per_core"`

	// UserTime, SystemTime and IdleTime are cumulative seconds since boot.
	UserTime   float64 `json:"user_time"`
	SystemTime float64 `json:"system_time"`
	IdleTime   float64 `json:"idle_time"`

	// LoadAvg is the 1, 5 and 15 minute load average. Absent on platforms without one.
	LoadAvg []float64 `json:"load_avg,omitempty"`
}

// Memory contains physical and swap memory usage in bytes.
type Memory struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	Available   uint64  `json:"available"`
	PercentUsed float64 `json:"percent_used"`

	SwapTotal   uint64  `json:"swap_total,omitempty"`
	SwapUsed    uint64  `json:"swap_used,omitempty"`
	SwapPercent float64 `json:"swap_percent,omitempty"`
}

// DiskMount describes one mounted filesystem.
type DiskMount struct {
	Device      string  `json:"device,omitempty"`
	MountPoint  string  `json:"mount_point"`
	FSType      string  `json:"fs_type"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	PercentUsed float64 `json:"percent_used,omitempty"`

	// IOPS and LatencyMs are derived from the IO counter delta between two
	// collection cycles, so they are absent on the first cycle.
	IOPS      *float64 `json:"iops,omitempty"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`

	ReadCount  uint64 `json:"read_count,omitempty"`
	WriteCount uint64 `json:"write_count,omitempty"`
}

// Network groups per-interface counters with host-wide connection state.
type Network struct {
	Interfaces []NetworkInterface `json:"interfaces"`

	// Connections counts inet connections by TCP state ("ESTABLISHED", "LISTEN", ...).
	Connections map[string]int `json:"connections"`

	ListeningPorts []int `json:"listening_ports"`
	UDPCount       int   `json:"udp_count,omitempty"`
}

// NetworkInterface holds counters for one interface since boot.
type NetworkInterface struct {
	Name string `json:"interface"`

	// Speed is the negotiated link speed in Mbit/s, 0 when unknown.
	Speed int `json:"speed"`

	IsUp        bool   `json:"is_up"`
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
	ErrorsIn    uint64 `json:"errors_in"`
	ErrorsOut   uint64 `json:"errors_out"`
	DropIn      uint64 `json:"drop_in,omitempty"`
	DropOut     uint64 `json:"drop_out,omitempty"`
}

// Processes summarises the process table.
type Processes struct {
	Total     int           `json:"total"`
	Running   int           `json:"running"`
	Sleeping  int           `json:"sleeping"`
	TopCPU    []ProcessInfo `json:"top_cpu"`
	TopMemory []ProcessInfo `json:"top_memory"`
}

// ProcessInfo is one entry of a top-N listing.
type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	Username      string  `json:"username,omitempty"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Status        string  `json:"status,omitempty"`
	Cmdline       string  `json:"cmdline,omitempty"`
}

// Security carries signals derived from a bounded tail of the auth log.
type Security struct {
	FailedLoginAttempts int      `json:"failed_login_attempts"`
	SuccessfulLogins    int      `json:"successful_logins"`
	ActiveUsers         []string `json:"active_users"`
	SudoUsageCount      int      `json:"sudo_usage_count"`
	SSHConnections      int      `json:"ssh_connections,omitempty"`
	RootLoginAttempts   int      `json:"root_login_attempts,omitempty"`
	NewUsers            int      `json:"new_users,omitempty"`
}

// Kernel carries uptime and counts derived from a bounded tail of the kernel log.
type Kernel struct {
	UptimeSeconds uint64    `json:"uptime_seconds"`
	BootTime      time.Time `json:"boot_time"`
	PanicCount    int       `json:"panic_count"`
	OOMKillCount  int       `json:"oom_kill_count"`
	Version       string    `json:"version,omitempty"`
}

// Containers lists containers known to the local runtime. An absent runtime
// yields an empty list.
type Containers struct {
	Running    int         `json:"running"`
	Containers []Container `json:"containers"`
}

// Container is best-effort usage for one container.
type Container struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Image         string  `json:"image"`
	Status        string  `json:"status"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryUsage   uint64  `json:"memory_usage,omitempty"`
	MemoryLimit   uint64  `json:"memory_limit,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	NetRxBytes    uint64  `json:"net_rx_bytes,omitempty"`
	NetTxBytes    uint64  `json:"net_tx_bytes,omitempty"`
}

// Services lists units known to the service manager.
type Services struct {
	Failed   int       `json:"failed"`
	Services []Service `json:"services"`
}

// Service is the state of one service unit.
type Service struct {
	Name        string `json:"name"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
	MemoryBytes uint64 `json:"memory_bytes,omitempty"`
}

// Categories returns the categories present in the snapshot, in canonical order.
func (s *Snapshot) Categories() []Category {
	var out []Category
	if s.CPU != nil {
		out = append(out, CategoryCPU)
	}
	if s.Memory != nil {
		out = append(out, CategoryMemory)
	}
	if s.Disk != nil {
		out = append(out, CategoryDisk)
	}
	if s.Network != nil {
		out = append(out, CategoryNetwork)
	}
	if s.Processes != nil {
		out = append(out, CategoryProcess)
	}
	if s.Security != nil {
		out = append(out, CategorySecurity)
	}
	if s.Kernel != nil {
		out = append(out, CategoryKernel)
	}
	if s.Containers != nil {
		out = append(out, CategoryContainer)
	}
	if s.Services != nil {
		out = append(out, CategoryService)
	}
	return out
}

// Empty reports whether no category is present.
func (s *Snapshot) Empty() bool {
	return len(s.Categories()) == 0
}

// Payloads fans the snapshot out into per-sample payloads. Disk produces one
// payload per mount and network one per interface plus a connection summary;
// every other category produces exactly one.
func (s *Snapshot) Payloads() []Payload {
	var out []Payload
	if s.CPU != nil {
		out = append(out, s.CPU)
	}
	if s.Memory != nil {
		out = append(out, s.Memory)
	}
	for i := range s.Disk {
		out = append(out, &s.Disk[i])
	}
	if s.Network != nil {
		for i := range s.Network.Interfaces {
			out = append(out, &s.Network.Interfaces[i])
		}
		out = append(out, &NetworkConnections{
			Connections:    s.Network.Connections,
			ListeningPorts: s.Network.ListeningPorts,
			UDPCount:       s.Network.UDPCount,
		})
	}
	if s.Processes != nil {
		out = append(out, s.Processes)
	}
	if s.Security != nil {
		out = append(out, s.Security)
	}
	if s.Kernel != nil {
		out = append(out, s.Kernel)
	}
	if s.Containers != nil {
		out = append(out, s.Containers)
	}
	if s.Services != nil {
		out = append(out, s.Services)
	}
	return out
}
