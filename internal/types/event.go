package types

import (
	"fmt"
	"time"
)

// Severity of an Event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity validates s.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// NodeStatus maps the worst severity seen in a batch to a node health status.
func (s Severity) NodeStatus() NodeStatus {
	switch s {
	case SeverityCritical, SeverityError:
		return NodeCritical
	case SeverityWarning:
		return NodeWarning
	default:
		return NodeHealthy
	}
}

// Event is a persisted, rule-triggered health notification.
type Event struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	OrgID     string    `json:"org_id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// EventData references the rule and the samples that triggered the event.
type EventData struct {
	Rule      string   `json:"rule"`
	Metric    string   `json:"metric"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
	SampleIDs []string `json:"sample_ids"`

	// WindowSamples is the number of points averaged by a sustained rule.
	WindowSamples int `json:"window_samples,omitempty"`
}
