package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeStatus is the current health of a node.
type NodeStatus string

const (
	NodeHealthy     NodeStatus = "healthy"
	NodeWarning     NodeStatus = "warning"
	NodeCritical    NodeStatus = "critical"
	NodeOffline     NodeStatus = "offline"
	NodeMaintenance NodeStatus = "maintenance"
)

// Node is a monitored host.
type Node struct {
	ID     string     `json:"id"`
	OrgID  string     `json:"org_id"`
	Name   string     `json:"name"`
	Status NodeStatus `json:"status"`

	// CredentialHash is the SHA-256 of the node's API key. The key itself is
	// only returned once at provisioning time.
	CredentialHash string `json:"-"`

	Hostname      string `json:"hostname,omitempty"`
	OSType        string `json:"os_type,omitempty"`
	OSVersion     string `json:"os_version,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty"`
	CPUCores      int    `json:"cpu_cores,omitempty"`
	TotalMemory   uint64 `json:"total_memory,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`

	// Capabilities are the categories the node declared at registration.
	Capabilities []Category `json:"capabilities,omitempty"`

	// LastHeartbeat only ever moves forward. Zero until the first accepted batch.
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`

	TransmissionInterval time.Duration `json:"-"`
	CreatedAt            time.Time     `json:"created_at"`
	RegisteredAt         time.Time     `json:"registered_at,omitzero"`
	RetiredAt            *time.Time    `json:"retired_at,omitempty"`
}

// Retired reports whether the node has been soft-retired.
func (n *Node) Retired() bool {
	return n.RetiredAt != nil
}

// MarshalJSON adds the transmission interval in seconds.
func (n Node) MarshalJSON() ([]byte, error) {
	type alias Node
	return json.Marshal(struct {
		alias
		TransmissionInterval int `json:"transmission_interval"`
	}{alias(n), int(n.TransmissionInterval / time.Second)})
}

// HostFacts is what an agent reports about itself when registering.
type HostFacts struct {
	Hostname      string     `json:"hostname"`
	OSType        string     `json:"os_type"`
	OSVersion     string     `json:"os_version"`
	KernelVersion string     `json:"kernel_version"`
	CPUCores      int        `json:"cpu_cores"`
	TotalMemory   uint64     `json:"total_memory"`
	IPAddress     string     `json:"ip_address"`
	Capabilities  []Category `json:"capabilities,omitempty"`
}

// Validate checks the minimum facts a registration must carry.
func (h *HostFacts) Validate() error {
	var fields []FieldError
	if h.Hostname == "" {
		fields = append(fields, FieldError{Field: "hostname", Reason: "is required"})
	}
	if h.CPUCores < 0 {
		fields = append(fields, FieldError{Field: "cpu_cores", Reason: "must not be negative"})
	}
	for i, c := range h.Capabilities {
		if !c.Valid() {
			fields = append(fields, FieldError{Field: fmt.Sprintf("capabilities[%d]", i), Reason: "unknown category"})
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// MetricSample is one persisted, category-tagged measurement.
type MetricSample struct {
	ID        string      `json:"id"`
	NodeID    string      `json:"node_id"`
	Category  Category    `json:"category"`
	Kind      PayloadKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   Payload     `json:"payload"`
}

// UnmarshalJSON decodes the payload according to Kind.
func (m *MetricSample) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		NodeID    string          `json:"node_id"`
		Category  Category        `json:"category"`
		Kind      PayloadKind     `json:"kind"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*m = MetricSample{
		ID:        raw.ID,
		NodeID:    raw.NodeID,
		Category:  raw.Category,
		Kind:      raw.Kind,
		Timestamp: raw.Timestamp,
		Payload:   p,
	}
	return nil
}
