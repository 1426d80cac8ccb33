package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/bc-dunia/satori/internal/types"
)

// ContainerSource lists containers with best-effort usage figures. A missing
// runtime is reported as an empty list, not an error.
type ContainerSource interface {
	Containers(ctx context.Context) ([]types.Container, error)
}

func (c *Collector) collectContainers(ctx context.Context) (Fragment, error) {
	src := c.containers
	if src == nil {
		src = defaultDocker()
	}
	list, err := src.Containers(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []types.Container{}
	}
	out := &types.Containers{Containers: list}
	for _, ct := range list {
		if ct.Status == "running" {
			out.Running++
		}
	}
	return func(s *types.Snapshot) { s.Containers = out }, nil
}

var (
	dockerOnce   sync.Once
	dockerSource *DockerSource
)

func defaultDocker() *DockerSource {
	dockerOnce.Do(func() {
		dockerSource = NewDockerSource()
	})
	return dockerSource
}

// DockerSource reads containers from the local Docker engine.
type DockerSource struct {
	cli     *client.Client
	initErr error
}

// NewDockerSource connects using the standard DOCKER_* environment.
func NewDockerSource() *DockerSource {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	return &DockerSource{cli: cli, initErr: err}
}

// Containers lists all containers and samples stats for the running ones.
func (d *DockerSource) Containers(ctx context.Context) ([]types.Container, error) {
	if d.initErr != nil || d.cli == nil {
		return []types.Container{}, nil
	}
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return []types.Container{}, nil
		}
		return nil, fmt.Errorf("docker container list: %w", err)
	}

	out := make([]types.Container, 0, len(summaries))
	for _, s := range summaries {
		ct := types.Container{
			ID:     shortID(s.ID),
			Name:   containerName(s.Names),
			Image:  s.Image,
			Status: string(s.State),
		}
		if ct.Status == "running" {
			// Stats are best-effort per container.
			if stats, err := d.stats(ctx, s.ID); err == nil {
				applyStats(&ct, stats)
			}
		}
		out = append(out, ct)
	}
	return out, nil
}

func (d *DockerSource) stats(ctx context.Context, id string) (*container.StatsResponse, error) {
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

func applyStats(ct *types.Container, s *container.StatsResponse) {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if sysDelta > 0 && cpuDelta > 0 && cpus > 0 {
		ct.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}

	ct.MemoryUsage = s.MemoryStats.Usage
	ct.MemoryLimit = s.MemoryStats.Limit
	if s.MemoryStats.Limit > 0 {
		ct.MemoryPercent = float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100
	}
	for _, n := range s.Networks {
		ct.NetRxBytes += n.RxBytes
		ct.NetTxBytes += n.TxBytes
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
