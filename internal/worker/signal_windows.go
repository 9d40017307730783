//go:build windows

package worker

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Windows has no process groups reachable through os/exec; the orphan port
// sweep covers what a single-process kill misses.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func terminateGroup(proc *os.Process, pid int) error {
	return killGroup(proc, pid)
}

func killGroup(proc *os.Process, pid int) error {
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// KillPID force-kills a single process that is not one of our children.
func KillPID(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find pid %d: %w", pid, err)
	}
	return killGroup(proc, pid)
}
