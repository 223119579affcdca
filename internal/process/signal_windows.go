//go:build windows

package process

import (
	"os"
	"syscall"
	"time"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Alive probes pid via OpenProcess semantics exposed by os.FindProcess.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal(0) is not supported on Windows; a nil release means the
	// handle could be opened, which is the best liveness proxy we have.
	err = p.Signal(syscall.Signal(0))
	return err == nil
}

// TerminateGroup has no graceful signal on Windows; it kills directly.
func TerminateGroup(pid int) error { return KillGroup(pid) }

func KillGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func StopPID(pid int, grace time.Duration) bool {
	if !Alive(pid) {
		return true
	}
	_ = KillGroup(pid)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !Alive(pid)
}
