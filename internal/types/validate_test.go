package types_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bc-dunia/satori/internal/types"
	"github.com/bc-dunia/satori/internal/types/typestest"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseSnapshot_RoundTrip(t *testing.T) {
	want := typestest.Snapshot(ts)
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := types.ParseSnapshot(data)
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch\ngot:  %+v\nwant: %+v", got, want)
	}
}

func TestParseSnapshot_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		fields []string
	}{
		{
			name:   "not an object",
			body:   `[1,2]`,
			fields: []string{""},
		},
		{
			name:   "missing timestamp",
			body:   `{"memory":{"total":1,"used":1,"free":0,"available":0,"percent_used":100}}`,
			fields: []string{"timestamp"},
		},
		{
			name:   "no categories",
			body:   `{"timestamp":"2026-03-01T12:00:00Z"}`,
			fields: []string{""},
		},
		{
			name:   "cpu missing required fields",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","cpu":{"overall_percent":10}}`,
			fields: []string{"cpu.per_core", "cpu.user_time", "cpu.system_time", "cpu.idle_time"},
		},
		{
			name:   "percent out of range",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","cpu":{"overall_percent":140,"per_core":[],"user_time":1,"system_time":1,"idle_time":1}}`,
			fields: []string{"cpu.overall_percent"},
		},
		{
			name:   "disk item missing fs_type",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","disk":[{"mount_point":"/","total":1,"used":1,"free":0}]}`,
			fields: []string{"disk[0].fs_type"},
		},
		{
			name:   "null category",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","kernel":null}`,
			fields: []string{"kernel"},
		},
		{
			name:   "network interface wrong types",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","network":{"interfaces":[{"interface":"eth0","speed":"fast","is_up":1,"bytes_sent":1,"bytes_recv":1,"packets_sent":1,"packets_recv":1,"errors_in":0,"errors_out":0}],"connections":{"LISTEN":-1},"listening_ports":[22]}}`,
			fields: []string{"network.interfaces[0].speed", "network.interfaces[0].is_up", "network.connections.LISTEN"},
		},
		{
			name:   "one bad category rejects valid ones",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","memory":{"total":1,"used":1,"free":0,"available":0,"percent_used":100},"security":{"failed_login_attempts":3}}`,
			fields: []string{"security.successful_logins", "security.active_users", "security.sudo_usage_count"},
		},
		{
			name:   "category under case-folded key",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","memory":{"total":1,"used":1,"free":0,"available":0,"percent_used":50},"CPU":{"overall_percent":500}}`,
			fields: []string{"CPU"},
		},
		{
			name:   "case-folded field shadows validated field",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","memory":{"total":1,"used":1,"free":0,"available":0,"percent_used":50,"Percent_Used":-7}}`,
			fields: []string{"memory.Percent_Used"},
		},
		{
			name:   "case-folded field in list item",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","disk":[{"mount_point":"/","fs_type":"ext4","total":1,"used":1,"free":0,"Total":-1}]}`,
			fields: []string{"disk[0].Total"},
		},
		{
			name:   "fractional count",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","memory":{"total":1.5,"used":1,"free":0,"available":0,"percent_used":50}}`,
			fields: []string{"memory.total"},
		},
		{
			name:   "count beyond uint64",
			body:   `{"timestamp":"2026-03-01T12:00:00Z","memory":{"total":18446744073709551616,"used":1,"free":0,"available":0,"percent_used":50}}`,
			fields: []string{"memory.total"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := types.ParseSnapshot([]byte(tt.body))
			if err == nil {
				t.Fatalf("expected error, got snapshot %+v", snap)
			}
			if snap != nil {
				t.Errorf("expected nil snapshot on error")
			}
			ve, ok := types.AsValidationError(err)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			var got []string
			for _, f := range ve.Fields {
				got = append(got, f.Field)
			}
			if !reflect.DeepEqual(got, tt.fields) {
				t.Errorf("fields = %v, want %v", got, tt.fields)
			}
		})
	}
}

func TestParseSnapshot_LargeCounters(t *testing.T) {
	body := `{"timestamp":"2026-03-01T12:00:00Z","memory":{"total":10000000000000000000,"used":18446744073709551615,"free":0,"available":0,"percent_used":50}}`
	snap, err := types.ParseSnapshot([]byte(body))
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	if snap.Memory.Total != 10000000000000000000 {
		t.Errorf("Total = %d", snap.Memory.Total)
	}
	if snap.Memory.Used != 18446744073709551615 {
		t.Errorf("Used = %d", snap.Memory.Used)
	}
}

func TestParseSnapshot_IgnoresUnknownKeys(t *testing.T) {
	body := `{"timestamp":"2026-03-01T12:00:00Z","agent_version":"1.2","memory":{"total":1,"used":1,"free":0,"available":0,"percent_used":50,"buffers":3}}`
	snap, err := types.ParseSnapshot([]byte(body))
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	if snap.Memory == nil || snap.Memory.PercentUsed != 50 {
		t.Errorf("unexpected memory %+v", snap.Memory)
	}
}

func TestValidationError_Message(t *testing.T) {
	err := &types.ValidationError{Fields: []types.FieldError{
		{Field: "cpu.per_core", Reason: "is required"},
		{Reason: "snapshot carries no metric categories"},
	}}
	msg := err.Error()
	if !strings.Contains(msg, "cpu.per_core is required") {
		t.Errorf("message %q missing field detail", msg)
	}
}

func TestSnapshot_Payloads(t *testing.T) {
	snap := typestest.Snapshot(ts)
	payloads := snap.Payloads()

	counts := map[types.PayloadKind]int{}
	for _, p := range payloads {
		counts[p.Kind()]++
	}
	want := map[types.PayloadKind]int{
		types.KindCPU:                1,
		types.KindMemory:             1,
		types.KindDiskMount:          2,
		types.KindNetworkInterface:   1,
		types.KindNetworkConnections: 1,
		types.KindProcesses:          1,
		types.KindSecurity:           1,
		types.KindKernel:             1,
		types.KindContainers:         1,
		types.KindServices:           1,
	}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("payload kinds = %v, want %v", counts, want)
	}
	if len(snap.Categories()) != 9 {
		t.Errorf("Categories() = %v, want all nine", snap.Categories())
	}
}

func TestMetricSample_JSONRoundTrip(t *testing.T) {
	sample := types.MetricSample{
		ID:        "s1",
		NodeID:    "n1",
		Category:  types.CategoryDisk,
		Kind:      types.KindDiskMount,
		Timestamp: ts,
		Payload:   &types.DiskMount{MountPoint: "/", FSType: "ext4", Total: 10, Used: 5, Free: 5},
	}
	data, err := json.Marshal(sample)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got types.MetricSample
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, sample) {
		t.Errorf("got %+v, want %+v", got, sample)
	}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in      string
		want    types.Category
		wantErr bool
	}{
		{"cpu", types.CategoryCPU, false},
		{" Processes ", types.CategoryProcess, false},
		{"containers", types.CategoryContainer, false},
		{"gpu", "", true},
	}
	for _, tt := range tests {
		got, err := types.ParseCategory(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCategory(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseCategory(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSeverityNodeStatus(t *testing.T) {
	if types.SeverityCritical.Rank() <= types.SeverityWarning.Rank() {
		t.Fatal("critical must outrank warning")
	}
	if got := types.SeverityWarning.NodeStatus(); got != types.NodeWarning {
		t.Errorf("warning -> %s", got)
	}
	if got := types.SeverityError.NodeStatus(); got != types.NodeCritical {
		t.Errorf("error -> %s", got)
	}
	if got := types.Severity("").NodeStatus(); got != types.NodeHealthy {
		t.Errorf("none -> %s", got)
	}
}
