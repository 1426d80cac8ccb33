package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/satori/internal/types"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newNode(id, org string) *types.Node {
	return &types.Node{
		ID:                   id,
		OrgID:                org,
		Name:                 id,
		Status:               types.NodeOffline,
		CredentialHash:       HashCredential("key-" + id),
		TransmissionInterval: 30 * time.Second,
		CreatedAt:            base,
	}
}

func cpuSample(id, nodeID string, ts time.Time, pct float64) types.MetricSample {
	return types.MetricSample{
		ID:        id,
		NodeID:    nodeID,
		Category:  types.CategoryCPU,
		Kind:      types.KindCPU,
		Timestamp: ts,
		Payload:   &types.CPU{OverallPercent: pct},
	}
}

func seeded(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	require.NoError(t, s.CreateNode(context.Background(), newNode("n1", "org1")))
	require.NoError(t, s.CreateNode(context.Background(), newNode("n2", "org1")))
	require.NoError(t, s.CreateNode(context.Background(), newNode("n3", "org2")))
	return s
}

func TestHashCredential(t *testing.T) {
	h := HashCredential("secret")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashCredential("secret"))
	assert.NotEqual(t, h, HashCredential("Secret"))
}

func TestMemoryCreateConflicts(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.CreateNode(ctx, newNode("n1", "org1")), ErrConflict)

	dup := newNode("other", "org1")
	dup.CredentialHash = HashCredential("key-n1")
	assert.ErrorIs(t, s.CreateNode(ctx, dup), ErrConflict)
}

func TestMemoryLookup(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	n, err := s.GetNodeByCredential(ctx, HashCredential("key-n2"))
	require.NoError(t, err)
	assert.Equal(t, "n2", n.ID)

	_, err = s.GetNodeByCredential(ctx, HashCredential("nope"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetNode(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	nodes, err := s.ListNodes(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].ID)

	all, err := s.ListNodes(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := seeded(t)
	n, err := s.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	n.Status = types.NodeCritical

	again, err := s.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOffline, again.Status)
}

func TestMemoryUpdateRegistration(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	facts := types.HostFacts{Hostname: "web-1", OSType: "linux", CPUCores: 8, Capabilities: []types.Category{types.CategoryCPU}}

	n, err := s.UpdateRegistration(ctx, "n1", facts, base)
	require.NoError(t, err)
	assert.Equal(t, "web-1", n.Hostname)
	assert.Equal(t, 8, n.CPUCores)
	assert.Equal(t, base, n.RegisteredAt)

	_, err = s.UpdateRegistration(ctx, "missing", facts, base)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.RetireNode(ctx, "n1", base)
	require.NoError(t, err)
	_, err = s.UpdateRegistration(ctx, "n1", facts, base)
	assert.ErrorIs(t, err, ErrRetired)
}

func TestMemoryHeartbeatIsMonotonic(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	n, err := s.CommitBatch(ctx, Batch{NodeID: "n1", Heartbeat: base.Add(time.Minute), Status: types.NodeWarning})
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), n.LastHeartbeat)
	assert.Equal(t, types.NodeWarning, n.Status)

	// An older batch is stored but neither regresses the heartbeat nor
	// overwrites the newer status.
	n, err = s.CommitBatch(ctx, Batch{
		NodeID:    "n1",
		Heartbeat: base,
		Status:    types.NodeHealthy,
		Samples:   []types.MetricSample{cpuSample("old", "n1", base, 10)},
	})
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), n.LastHeartbeat)
	assert.Equal(t, types.NodeWarning, n.Status)

	samples, err := s.QuerySamples(ctx, SampleQuery{NodeID: "n1"})
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestMemoryConcurrentCommitsKeepMaxHeartbeat(t *testing.T) {
	s := seeded(t)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CommitBatch(context.Background(), Batch{NodeID: "n1", Heartbeat: base.Add(time.Duration(i) * time.Second)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	n, err := s.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, base.Add(49*time.Second), n.LastHeartbeat)
}

func TestMemoryMaintenanceIsSticky(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	n, err := s.SetMaintenance(ctx, "n1", true)
	require.NoError(t, err)
	assert.Equal(t, types.NodeMaintenance, n.Status)

	n, err = s.CommitBatch(ctx, Batch{NodeID: "n1", Heartbeat: base, Status: types.NodeCritical})
	require.NoError(t, err)
	assert.Equal(t, types.NodeMaintenance, n.Status)

	n, err = s.SetMaintenance(ctx, "n1", false)
	require.NoError(t, err)
	assert.Equal(t, types.NodeOffline, n.Status)
}

func TestMemoryCommitRejectsRetiredAndUnknown(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	_, err := s.CommitBatch(ctx, Batch{NodeID: "missing", Heartbeat: base})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.RetireNode(ctx, "n2", base)
	require.NoError(t, err)
	_, err = s.CommitBatch(ctx, Batch{NodeID: "n2", Heartbeat: base, Samples: []types.MetricSample{cpuSample("x", "n2", base, 1)}})
	assert.ErrorIs(t, err, ErrRetired)

	samples, err := s.QuerySamples(ctx, SampleQuery{NodeID: "n2"})
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestMemoryQuerySamples(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	var samples []types.MetricSample
	for i := range 5 {
		samples = append(samples, cpuSample(fmt.Sprintf("s%d", i), "n1", base.Add(time.Duration(i)*time.Minute), float64(i)))
	}
	samples = append(samples, types.MetricSample{
		ID: "m", NodeID: "n1", Category: types.CategoryMemory, Kind: types.KindMemory,
		Timestamp: base, Payload: &types.Memory{PercentUsed: 50},
	})
	_, err := s.CommitBatch(ctx, Batch{NodeID: "n1", Heartbeat: base.Add(4 * time.Minute), Samples: samples})
	require.NoError(t, err)

	tests := []struct {
		name string
		q    SampleQuery
		want []string
	}{
		{"all cpu", SampleQuery{NodeID: "n1", Kind: types.KindCPU}, []string{"s0", "s1", "s2", "s3", "s4"}},
		{"by category", SampleQuery{NodeID: "n1", Category: types.CategoryMemory}, []string{"m"}},
		{"range", SampleQuery{NodeID: "n1", Kind: types.KindCPU, From: base.Add(time.Minute), To: base.Add(3 * time.Minute)}, []string{"s1", "s2", "s3"}},
		{"limit keeps newest", SampleQuery{NodeID: "n1", Kind: types.KindCPU, Limit: 2}, []string{"s3", "s4"}},
		{"other node", SampleQuery{NodeID: "n2"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QuerySamples(ctx, tt.q)
			require.NoError(t, err)
			var ids []string
			for _, sample := range got {
				ids = append(ids, sample.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryQueryEvents(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	events := []types.Event{
		{ID: "e1", NodeID: "n1", OrgID: "org1", Severity: types.SeverityWarning, Timestamp: base},
		{ID: "e2", NodeID: "n1", OrgID: "org1", Severity: types.SeverityCritical, Timestamp: base.Add(time.Minute)},
	}
	_, err := s.CommitBatch(ctx, Batch{NodeID: "n1", Heartbeat: base, Events: events})
	require.NoError(t, err)
	_, err = s.CommitBatch(ctx, Batch{NodeID: "n3", Heartbeat: base, Events: []types.Event{
		{ID: "e3", NodeID: "n3", OrgID: "org2", Severity: types.SeverityInfo, Timestamp: base},
	}})
	require.NoError(t, err)

	got, err := s.QueryEvents(ctx, EventQuery{OrgID: "org1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID)

	got, err = s.QueryEvents(ctx, EventQuery{NodeID: "n1", MinSeverity: types.SeverityError})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].ID)
}

func TestMemoryMarkOffline(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	_, err := s.CommitBatch(ctx, Batch{NodeID: "n1", Heartbeat: base, Status: types.NodeHealthy})
	require.NoError(t, err)
	_, err = s.CommitBatch(ctx, Batch{NodeID: "n2", Heartbeat: base.Add(10 * time.Minute), Status: types.NodeHealthy})
	require.NoError(t, err)
	_, err = s.CommitBatch(ctx, Batch{NodeID: "n3", Heartbeat: base, Status: types.NodeHealthy})
	require.NoError(t, err)
	_, err = s.SetMaintenance(ctx, "n3", true)
	require.NoError(t, err)

	changed, err := s.MarkOffline(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "n1", changed[0].ID)
	assert.Equal(t, types.NodeOffline, changed[0].Status)

	changed, err = s.MarkOffline(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestMemoryDeleteSamplesBefore(t *testing.T) {
	s := seeded(t)
	s.SetMaxSamplesPerNode(3)
	ctx := context.Background()
	var samples []types.MetricSample
	for i := range 4 {
		samples = append(samples, cpuSample(fmt.Sprintf("s%d", i), "n1", base.Add(time.Duration(i)*time.Hour), 1))
	}
	_, err := s.CommitBatch(ctx, Batch{NodeID: "n1", Heartbeat: base, Samples: samples})
	require.NoError(t, err)

	all, err := s.QuerySamples(ctx, SampleQuery{NodeID: "n1"})
	require.NoError(t, err)
	assert.Len(t, all, 3, "oldest sample trimmed by the per-node cap")

	n, err := s.DeleteSamplesBefore(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.QuerySamples(ctx, SampleQuery{NodeID: "n1"})
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "s2", left[0].ID)
}

func TestMemorySampleCapDropsOldestByTimestamp(t *testing.T) {
	s := seeded(t)
	s.SetMaxSamplesPerNode(3)
	ctx := context.Background()

	var fresh []types.MetricSample
	for i := range 3 {
		fresh = append(fresh, cpuSample(fmt.Sprintf("new%d", i), "n1", base.Add(time.Duration(10+i)*time.Minute), 1))
	}
	_, err := s.CommitBatch(ctx, Batch{NodeID: "n1", Heartbeat: base.Add(12 * time.Minute), Samples: fresh})
	require.NoError(t, err)

	// A replayed batch from before the stored samples must not evict them.
	stale := []types.MetricSample{cpuSample("old", "n1", base, 1)}
	_, err = s.CommitBatch(ctx, Batch{NodeID: "n1", Heartbeat: base, Samples: stale})
	require.NoError(t, err)

	all, err := s.QuerySamples(ctx, SampleQuery{NodeID: "n1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, sample := range all {
		assert.Equal(t, fmt.Sprintf("new%d", i), sample.ID)
	}

	// A batch in the middle of the window displaces the oldest stored sample.
	mid := []types.MetricSample{cpuSample("mid", "n1", base.Add(11*time.Minute+30*time.Second), 1)}
	_, err = s.CommitBatch(ctx, Batch{NodeID: "n1", Heartbeat: base, Samples: mid})
	require.NoError(t, err)

	all, err = s.QuerySamples(ctx, SampleQuery{NodeID: "n1"})
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, sample := range all {
		ids[i] = sample.ID
	}
	assert.Equal(t, []string{"new1", "mid", "new2"}, ids)
}
