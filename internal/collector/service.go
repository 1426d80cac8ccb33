package collector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bc-dunia/satori/internal/types"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// errNoServiceManager means systemctl is not installed; the probe reports
// an empty list in that case.
var errNoServiceManager = errors.New("service manager not available")

func (c *Collector) collectServices(ctx context.Context) (Fragment, error) {
	out, err := c.listServices(ctx)
	if errors.Is(err, errNoServiceManager) {
		out, err = &types.Services{Services: []types.Service{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return func(s *types.Snapshot) { s.Services = out }, nil
}

func (c *Collector) listServices(ctx context.Context) (*types.Services, error) {
	raw, err := c.runner.Run(ctx, "systemctl", "list-units", "--type=service", "--all", "--no-legend", "--no-pager", "--plain")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, errNoServiceManager
		}
		return nil, fmt.Errorf("systemctl list-units: %w", err)
	}

	services := ParseServiceUnits(raw, c.cfg.MaxServices)
	out := &types.Services{Services: services}
	for i := range services {
		if services[i].ActiveState == "failed" {
			out.Failed++
		}
		if services[i].ActiveState != "active" {
			continue
		}
		mem, err := c.runner.Run(ctx, "systemctl", "show", services[i].Name, "--property=MemoryCurrent", "--value")
		if err != nil {
			continue
		}
		if v, err := strconv.ParseUint(strings.TrimSpace(string(mem)), 10, 64); err == nil {
			services[i].MemoryBytes = v
		}
	}
	return out, nil
}

// ParseServiceUnits parses `systemctl list-units --plain --no-legend` output,
// keeping at most limit units.
func ParseServiceUnits(raw []byte, limit int) []types.Service {
	out := []types.Service{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() && len(out) < limit {
		fields := strings.Fields(sc.Text())
		// Failed units are prefixed with a bullet on some versions.
		if len(fields) > 0 && (fields[0] == "●" || fields[0] == "*") {
			fields = fields[1:]
		}
		if len(fields) < 4 || !strings.HasSuffix(fields[0], ".service") {
			continue
		}
		out = append(out, types.Service{
			Name:        fields[0],
			LoadState:   fields[1],
			ActiveState: fields[2],
			SubState:    fields[3],
		})
	}
	return out
}
