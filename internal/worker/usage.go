package worker

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time resource sample of one worker process.
type Usage struct {
	RSS        uint64
	CPUPercent float64
}

// Sample reads resident memory and lifetime CPU percentage for pid.
func Sample(ctx context.Context, pid int) (Usage, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("process %d: %w", pid, err)
	}

	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("memory info %d: %w", pid, err)
	}

	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("cpu percent %d: %w", pid, err)
	}

	return Usage{RSS: mem.RSS, CPUPercent: cpu}, nil
}
