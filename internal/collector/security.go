package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/bc-dunia/satori/internal/types"
)

func (c *Collector) collectSecurity(ctx context.Context) (Fragment, error) {
	lines, _, err := tailFirst(c.cfg.AuthLogPaths, c.cfg.SecurityTailLines)
	if err != nil {
		return nil, fmt.Errorf("read auth log: %w", err)
	}
	out := ParseAuthLog(lines)

	users, err := host.UsersWithContext(ctx)
	if err == nil {
		seen := make(map[string]bool)
		for _, u := range users {
			if u.User != "" && !seen[u.User] {
				seen[u.User] = true
				out.ActiveUsers = append(out.ActiveUsers, u.User)
			}
		}
	}
	return func(s *types.Snapshot) { s.Security = out }, nil
}

// ParseAuthLog derives login and privilege signals from auth log lines.
func ParseAuthLog(lines []string) *types.Security {
	out := &types.Security{ActiveUsers: []string{}}
	for _, line := range lines {
		switch {
		case strings.Contains(line, "Failed password"):
			out.FailedLoginAttempts++
			if strings.Contains(line, " for root ") {
				out.RootLoginAttempts++
			}
		case strings.Contains(line, "sshd") && strings.Contains(line, "Accepted "):
			out.SSHConnections++
			out.SuccessfulLogins++
		case strings.Contains(line, "Accepted password"):
			out.SuccessfulLogins++
		case strings.Contains(line, "sudo:") && strings.Contains(line, "COMMAND"):
			out.SudoUsageCount++
		case strings.Contains(line, "new user"):
			out.NewUsers++
		}
	}
	return out
}
