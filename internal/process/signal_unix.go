//go:build !windows

package process

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

func sysProcAttr() *syscall.SysProcAttr {
	// Own process group so signals reach engine helpers (e.g. mysqld's
	// forked children) without touching the supervisor.
	return &syscall.SysProcAttr{Setpgid: true}
}

// Alive probes pid with signal 0. A reaped-but-unwaited child shows up
// as a zombie on Linux and is reported dead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// TerminateGroup sends SIGTERM to pid's process group, falling back to
// the single process when it leads no group of its own.
func TerminateGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return syscall.Kill(pid, syscall.SIGTERM)
	}
	return nil
}

// KillGroup sends SIGKILL to pid's process group.
func KillGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

// StopPID terminates a process the supervisor does not hold a handle
// for (an orphan from a previous run): SIGTERM, bounded liveness poll,
// then SIGKILL with a brief final wait. It reports whether the process
// was confirmed dead.
func StopPID(pid int, grace time.Duration) bool {
	if !Alive(pid) {
		return true
	}
	_ = TerminateGroup(pid)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = KillGroup(pid)
	deadline = time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !Alive(pid)
}
