//go:build !windows

package worker

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr places the child in a new process group whose id equals its pid,
// so anything it spawns can be signalled together.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(proc *os.Process, pid int) error {
	return signalGroup(proc, pid, unix.SIGTERM)
}

func killGroup(proc *os.Process, pid int) error {
	return signalGroup(proc, pid, unix.SIGKILL)
}

// signalGroup signals the group first and falls back to the single process.
// A group or process that is already gone is not an error.
func signalGroup(proc *os.Process, pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}

	groupErr := unix.Kill(-pid, sig)
	if groupErr == nil || errors.Is(groupErr, unix.ESRCH) {
		return nil
	}

	procErr := proc.Signal(sig)
	if procErr == nil || errors.Is(procErr, os.ErrProcessDone) {
		return nil
	}
	return fmt.Errorf("group signal failed: %v; process signal failed: %w", groupErr, procErr)
}

// KillPID force-kills a single process that is not one of our children.
func KillPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
