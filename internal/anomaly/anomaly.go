// Package anomaly evaluates an ingested batch against health rules.
//
// The evaluator keeps no state between calls: any lookback it needs is passed
// in as a History. Rules are evaluated in a fixed order and each rule that
// fires yields its own Draft.
package anomaly

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bc-dunia/satori/internal/types"
)

// Rule names, in evaluation order.
const (
	RuleCPUImmediate         = "cpu_immediate"
	RuleCPUSustained         = "cpu_sustained"
	RuleMemoryImmediate      = "memory_immediate"
	RuleMemorySustained      = "memory_sustained"
	RuleSecurityFailedLogins = "security_failed_logins"
)

// Thresholds configures the rules.
type Thresholds struct {
	CPUImmediate    float64 `yaml:"cpu_immediate"`
	CPUSustained    float64 `yaml:"cpu_sustained"`
	MemoryImmediate float64 `yaml:"memory_immediate"`
	MemorySustained float64 `yaml:"memory_sustained"`
	FailedLogins    int     `yaml:"failed_logins"`

	// Window is the lookback of the sustained rules.
	Window time.Duration `yaml:"window"`

	// MinWindowSamples is the number of points, the current one included,
	// a sustained rule needs before it may fire.
	MinWindowSamples int `yaml:"min_window_samples"`
}

// DefaultThresholds returns the baseline rule configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUImmediate:     90,
		CPUSustained:     85,
		MemoryImmediate:  90,
		MemorySustained:  90,
		FailedLogins:     10,
		Window:           30 * time.Minute,
		MinWindowSamples: 3,
	}
}

// Validate rejects thresholds that could never or would always fire.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"cpu_immediate":    t.CPUImmediate,
		"cpu_sustained":    t.CPUSustained,
		"memory_immediate": t.MemoryImmediate,
		"memory_sustained": t.MemorySustained,
	} {
		if v <= 0 || v >= 100 {
			return fmt.Errorf("threshold %s must be within (0, 100), got %v", name, v)
		}
	}
	if t.FailedLogins < 0 {
		return errors.New("threshold failed_logins must not be negative")
	}
	if t.Window <= 0 {
		return errors.New("window must be positive")
	}
	if t.MinWindowSamples < 1 {
		return errors.New("min_window_samples must be at least 1")
	}
	return nil
}

// Point is one historical value of a metric.
type Point struct {
	SampleID  string
	Timestamp time.Time
	Value     float64
}

// History carries prior points for the sustained rules. Points outside the
// window relative to the batch timestamp are ignored.
type History struct {
	CPU    []Point
	Memory []Point
}

// Batch is the validated, persisted-to-be set of samples of one ingestion.
type Batch struct {
	Timestamp time.Time
	Samples   []types.MetricSample
}

// Draft is an event before it is assigned an id and persisted.
type Draft struct {
	Severity types.Severity
	Title    string
	Message  string
	Data     types.EventData
}

// Evaluator applies the rules. It holds configuration only.
type Evaluator struct {
	th Thresholds
}

// New builds an Evaluator from validated thresholds.
func New(th Thresholds) (*Evaluator, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{th: th}, nil
}

// Thresholds returns the active configuration.
func (e *Evaluator) Thresholds() Thresholds { return e.th }

// Evaluate returns the drafts triggered by batch, in rule order. The result
// depends only on its arguments.
func (e *Evaluator) Evaluate(node *types.Node, batch Batch, history History) []Draft {
	var drafts []Draft

	if s, cpu := findCPU(batch.Samples); cpu != nil {
		if d, ok := e.immediate(RuleCPUImmediate, "cpu.overall_percent", s.ID, cpu.OverallPercent,
			e.th.CPUImmediate, types.SeverityWarning, "High CPU Usage", "CPU usage is at %.1f%%"); ok {
			drafts = append(drafts, d)
		}
		if d, ok := e.sustained(RuleCPUSustained, "cpu.overall_percent", batch.Timestamp, s.ID, cpu.OverallPercent,
			history.CPU, e.th.CPUSustained, types.SeverityError, "Sustained High CPU Usage", "CPU usage"); ok {
			drafts = append(drafts, d)
		}
	}

	if s, mem := findMemory(batch.Samples); mem != nil {
		if d, ok := e.immediate(RuleMemoryImmediate, "memory.percent_used", s.ID, mem.PercentUsed,
			e.th.MemoryImmediate, types.SeverityWarning, "High Memory Usage", "Memory usage is at %.1f%%"); ok {
			drafts = append(drafts, d)
		}
		if d, ok := e.sustained(RuleMemorySustained, "memory.percent_used", batch.Timestamp, s.ID, mem.PercentUsed,
			history.Memory, e.th.MemorySustained, types.SeverityCritical, "Sustained High Memory Usage", "Memory usage"); ok {
			drafts = append(drafts, d)
		}
	}

	if s, sec := findSecurity(batch.Samples); sec != nil && sec.FailedLoginAttempts > e.th.FailedLogins {
		drafts = append(drafts, Draft{
			Severity: types.SeverityCritical,
			Title:    "Excessive Failed Logins",
			Message:  fmt.Sprintf("%d failed login attempts in the recent auth log window", sec.FailedLoginAttempts),
			Data: types.EventData{
				Rule:      RuleSecurityFailedLogins,
				Metric:    "security.failed_login_attempts",
				Value:     float64(sec.FailedLoginAttempts),
				Threshold: float64(e.th.FailedLogins),
				SampleIDs: []string{s.ID},
			},
		})
	}

	if label := nodeLabel(node); label != "" {
		for i := range drafts {
			drafts[i].Message += " on " + label
		}
	}
	return drafts
}

func nodeLabel(node *types.Node) string {
	if node == nil {
		return ""
	}
	if node.Name != "" {
		return node.Name
	}
	return node.Hostname
}

func (e *Evaluator) immediate(rule, metric, sampleID string, value, threshold float64,
	sev types.Severity, title, format string) (Draft, bool) {
	if value <= threshold {
		return Draft{}, false
	}
	return Draft{
		Severity: sev,
		Title:    title,
		Message:  fmt.Sprintf(format, value),
		Data: types.EventData{
			Rule:      rule,
			Metric:    metric,
			Value:     value,
			Threshold: threshold,
			SampleIDs: []string{sampleID},
		},
	}, true
}

func (e *Evaluator) sustained(rule, metric string, at time.Time, sampleID string, value float64,
	history []Point, threshold float64, sev types.Severity, title, subject string) (Draft, bool) {
	window := e.window(at, history)
	n := len(window) + 1
	if n < e.th.MinWindowSamples {
		return Draft{}, false
	}

	sum := value
	ids := make([]string, 0, n)
	for _, p := range window {
		sum += p.Value
		ids = append(ids, p.SampleID)
	}
	ids = append(ids, sampleID)
	avg := sum / float64(n)
	if avg <= threshold {
		return Draft{}, false
	}
	return Draft{
		Severity: sev,
		Title:    title,
		Message: fmt.Sprintf("%s averaged %.1f%% over the last %s (%d samples)",
			subject, avg, formatWindow(e.th.Window), n),
		Data: types.EventData{
			Rule:          rule,
			Metric:        metric,
			Value:         avg,
			Threshold:     threshold,
			SampleIDs:     ids,
			WindowSamples: n,
		},
	}, true
}

// window returns the points in [at-Window, at), oldest first.
func (e *Evaluator) window(at time.Time, points []Point) []Point {
	from := at.Add(-e.th.Window)
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if !p.Timestamp.Before(from) && p.Timestamp.Before(at) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].SampleID < out[j].SampleID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func formatWindow(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}

func findCPU(samples []types.MetricSample) (types.MetricSample, *types.CPU) {
	for _, s := range samples {
		if p, ok := s.Payload.(*types.CPU); ok {
			return s, p
		}
	}
	return types.MetricSample{}, nil
}

func findMemory(samples []types.MetricSample) (types.MetricSample, *types.Memory) {
	for _, s := range samples {
		if p, ok := s.Payload.(*types.Memory); ok {
			return s, p
		}
	}
	return types.MetricSample{}, nil
}

func findSecurity(samples []types.MetricSample) (types.MetricSample, *types.Security) {
	for _, s := range samples {
		if p, ok := s.Payload.(*types.Security); ok {
			return s, p
		}
	}
	return types.MetricSample{}, nil
}

// PointsFromSamples extracts the rule metric from stored samples.
func PointsFromSamples(samples []types.MetricSample) History {
	var h History
	for _, s := range samples {
		switch p := s.Payload.(type) {
		case *types.CPU:
			h.CPU = append(h.CPU, Point{SampleID: s.ID, Timestamp: s.Timestamp, Value: p.OverallPercent})
		case *types.Memory:
			h.Memory = append(h.Memory, Point{SampleID: s.ID, Timestamp: s.Timestamp, Value: p.PercentUsed})
		}
	}
	return h
}
