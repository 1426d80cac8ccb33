package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bc-dunia/satori/internal/types"
)

const defaultMaxSamplesPerNode = 100000

// MemoryStore keeps everything in process. It backs tests and single-instance
// deployments without a database.
type MemoryStore struct {
	mu           sync.RWMutex
	nodes        map[string]*types.Node
	byCredential map[string]string              // credential hash -> node id
	samples      map[string][]types.MetricSample // node id -> samples
	events       []types.Event

	maxSamplesPerNode int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:             make(map[string]*types.Node),
		byCredential:      make(map[string]string),
		samples:           make(map[string][]types.MetricSample),
		maxSamplesPerNode: defaultMaxSamplesPerNode,
	}
}

// SetMaxSamplesPerNode bounds retained samples per node. The samples with the
// oldest timestamps are discarded first, whatever order they arrived in.
func (s *MemoryStore) SetMaxSamplesPerNode(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 {
		max = defaultMaxSamplesPerNode
	}
	s.maxSamplesPerNode = max
}

func copyNode(n *types.Node) *types.Node {
	c := *n
	c.Capabilities = slices.Clone(n.Capabilities)
	if n.RetiredAt != nil {
		t := *n.RetiredAt
		c.RetiredAt = &t
	}
	return &c
}

func (s *MemoryStore) CreateNode(_ context.Context, node *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[node.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.byCredential[node.CredentialHash]; ok {
		return ErrConflict
	}
	s.nodes[node.ID] = copyNode(node)
	s.byCredential[node.CredentialHash] = node.ID
	return nil
}

func (s *MemoryStore) GetNode(_ context.Context, id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(n), nil
}

func (s *MemoryStore) GetNodeByCredential(_ context.Context, credentialHash string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCredential[credentialHash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(s.nodes[id]), nil
}

func (s *MemoryStore) ListNodes(_ context.Context, orgID string) ([]*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if orgID != "" && n.OrgID != orgID {
			continue
		}
		result = append(result, copyNode(n))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) UpdateRegistration(_ context.Context, id string, facts types.HostFacts, at time.Time) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n.Retired() {
		return nil, ErrRetired
	}
	n.Hostname = facts.Hostname
	n.OSType = facts.OSType
	n.OSVersion = facts.OSVersion
	n.KernelVersion = facts.KernelVersion
	n.CPUCores = facts.CPUCores
	n.TotalMemory = facts.TotalMemory
	n.IPAddress = facts.IPAddress
	n.Capabilities = slices.Clone(facts.Capabilities)
	n.RegisteredAt = at
	return copyNode(n), nil
}

func (s *MemoryStore) CommitBatch(_ context.Context, batch Batch) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[batch.NodeID]
	if !ok {
		return nil, ErrNotFound
	}
	if n.Retired() {
		return nil, ErrRetired
	}

	n.Status = statusAfterBatch(n.Status, n.LastHeartbeat, batch.Heartbeat, batch.Status)
	if batch.Heartbeat.After(n.LastHeartbeat) {
		n.LastHeartbeat = batch.Heartbeat
	}

	prev := s.samples[batch.NodeID]
	existing := append(prev, batch.Samples...)
	// Samples are kept in timestamp order; only a late batch needs a re-sort.
	late := len(prev) > 0 && len(batch.Samples) > 0 &&
		batch.Samples[0].Timestamp.Before(prev[len(prev)-1].Timestamp)
	if late || !slices.IsSortedFunc(batch.Samples, compareSampleTime) {
		slices.SortStableFunc(existing, compareSampleTime)
	}
	if len(existing) > s.maxSamplesPerNode {
		existing = existing[len(existing)-s.maxSamplesPerNode:]
	}
	s.samples[batch.NodeID] = existing
	s.events = append(s.events, batch.Events...)
	return copyNode(n), nil
}

func compareSampleTime(a, b types.MetricSample) int {
	return a.Timestamp.Compare(b.Timestamp)
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}

func (s *MemoryStore) QuerySamples(_ context.Context, q SampleQuery) ([]types.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []types.MetricSample
	for _, sample := range s.samples[q.NodeID] {
		if q.Kind != "" && sample.Kind != q.Kind {
			continue
		}
		if q.Category != "" && sample.Category != q.Category {
			continue
		}
		if !inRange(sample.Timestamp, q.From, q.To) {
			continue
		}
		result = append(result, sample)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if limit := normalizeLimit(q.Limit); len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStore) QueryEvents(_ context.Context, q EventQuery) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []types.Event
	for _, ev := range s.events {
		if q.NodeID != "" && ev.NodeID != q.NodeID {
			continue
		}
		if q.OrgID != "" && ev.OrgID != q.OrgID {
			continue
		}
		if q.MinSeverity != "" && ev.Severity.Rank() < q.MinSeverity.Rank() {
			continue
		}
		if !inRange(ev.Timestamp, q.From, q.To) {
			continue
		}
		result = append(result, ev)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if limit := normalizeLimit(q.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, before time.Time) ([]*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []*types.Node
	for _, n := range s.nodes {
		if n.Retired() || n.LastHeartbeat.IsZero() || !n.LastHeartbeat.Before(before) {
			continue
		}
		if n.Status == types.NodeOffline || n.Status == types.NodeMaintenance {
			continue
		}
		n.Status = types.NodeOffline
		changed = append(changed, copyNode(n))
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	return changed, nil
}

func (s *MemoryStore) SetMaintenance(_ context.Context, id string, enabled bool) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n.Retired() {
		return nil, ErrRetired
	}
	switch {
	case enabled:
		n.Status = types.NodeMaintenance
	case n.Status == types.NodeMaintenance:
		n.Status = types.NodeOffline
	}
	return copyNode(n), nil
}

func (s *MemoryStore) RetireNode(_ context.Context, id string, at time.Time) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !n.Retired() {
		n.RetiredAt = &at
		n.Status = types.NodeOffline
	}
	return copyNode(n), nil
}

func (s *MemoryStore) DeleteSamplesBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, samples := range s.samples {
		kept := samples[:0]
		for _, sample := range samples {
			if sample.Timestamp.Before(before) {
				deleted++
				continue
			}
			kept = append(kept, sample)
		}
		if len(kept) == 0 {
			delete(s.samples, id)
			continue
		}
		s.samples[id] = kept
	}
	return deleted, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
