package types

import (
	"encoding/json"
	"fmt"
)

// PayloadKind discriminates the concrete payload stored in a MetricSample.
// Network samples come in two shapes, every other category has exactly one.
type PayloadKind string

const (
	KindCPU                PayloadKind = "cpu"
	KindMemory             PayloadKind = "memory"
	KindDiskMount          PayloadKind = "disk_mount"
	KindNetworkInterface   PayloadKind = "network_interface"
	KindNetworkConnections PayloadKind = "network_connections"
	KindProcesses          PayloadKind = "processes"
	KindSecurity           PayloadKind = "security"
	KindKernel             PayloadKind = "kernel"
	KindContainers         PayloadKind = "containers"
	KindServices           PayloadKind = "services"
)

// Payload is the closed set of per-sample payload types.
type Payload interface {
	Kind() PayloadKind
	Category() Category
}

// NetworkConnections is the host-wide connection summary persisted alongside
// the per-interface network samples.
type NetworkConnections struct {
	Connections    map[string]int `json:"connections"`
	ListeningPorts []int          `json:"listening_ports"`
	UDPCount       int            `json:"udp_count,omitempty"`
}

func (*CPU) Kind() PayloadKind                { return KindCPU }
func (*Memory) Kind() PayloadKind             { return KindMemory }
func (*DiskMount) Kind() PayloadKind          { return KindDiskMount }
func (*NetworkInterface) Kind() PayloadKind   { return KindNetworkInterface }
func (*NetworkConnections) Kind() PayloadKind { return KindNetworkConnections }
func (*Processes) Kind() PayloadKind          { return KindProcesses }
func (*Security) Kind() PayloadKind           { return KindSecurity }
func (*Kernel) Kind() PayloadKind             { return KindKernel }
func (*Containers) Kind() PayloadKind         { return KindContainers }
func (*Services) Kind() PayloadKind           { return KindServices }

func (*CPU) Category() Category                { return CategoryCPU }
func (*Memory) Category() Category             { return CategoryMemory }
func (*DiskMount) Category() Category          { return CategoryDisk }
func (*NetworkInterface) Category() Category   { return CategoryNetwork }
func (*NetworkConnections) Category() Category { return CategoryNetwork }
func (*Processes) Category() Category          { return CategoryProcess }
func (*Security) Category() Category           { return CategorySecurity }
func (*Kernel) Category() Category             { return CategoryKernel }
func (*Containers) Category() Category         { return CategoryContainer }
func (*Services) Category() Category           { return CategoryService }

// NewPayload returns an empty payload of the given kind.
func NewPayload(kind PayloadKind) (Payload, error) {
	switch kind {
	case KindCPU:
		return &CPU{}, nil
	case KindMemory:
		return &Memory{}, nil
	case KindDiskMount:
		return &DiskMount{}, nil
	case KindNetworkInterface:
		return &NetworkInterface{}, nil
	case KindNetworkConnections:
		return &NetworkConnections{}, nil
	case KindProcesses:
		return &Processes{}, nil
	case KindSecurity:
		return &Security{}, nil
	case KindKernel:
		return &Kernel{}, nil
	case KindContainers:
		return &Containers{}, nil
	case KindServices:
		return &Services{}, nil
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
}

// DecodePayload rebuilds a typed payload from its stored JSON form.
func DecodePayload(kind PayloadKind, data []byte) (Payload, error) {
	p, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
