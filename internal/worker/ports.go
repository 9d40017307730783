package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/net"
)

// PortOwners returns the pids holding a local inet socket on port. The
// connection table comes from gopsutil; lsof is used when that fails.
func PortOwners(ctx context.Context, port int) ([]int32, error) {
	conns, err := net.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return lsofOwners(ctx, port)
	}

	seen := make(map[int32]struct{})
	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		seen[c.Pid] = struct{}{}
	}
	return sortedPids(seen), nil
}

func lsofOwners(ctx context.Context, port int) ([]int32, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-ti", ":"+strconv.Itoa(port)).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			// lsof exits 1 when nothing matches.
			return nil, nil
		}
		return nil, fmt.Errorf("lsof port %d: %w", port, err)
	}

	seen := make(map[int32]struct{})
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.ParseInt(field, 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		seen[int32(pid)] = struct{}{}
	}
	return sortedPids(seen), nil
}

func sortedPids(set map[int32]struct{}) []int32 {
	if len(set) == 0 {
		return nil
	}
	pids := make([]int32, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}
