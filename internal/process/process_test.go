//go:build !windows

package process

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStartCapturesOutputAndExit(t *testing.T) {
	ch, err := Start(Cmd{Name: "/bin/sh", Args: []string{"-c", "echo hello; echo oops 1>&2"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	out := make([]byte, 64)
	n, _ := ch.Stdout().Read(out)
	if !strings.Contains(string(out[:n]), "hello") {
		t.Fatalf("stdout not captured: %q", out[:n])
	}
	e := make([]byte, 64)
	n, _ = ch.Stderr().Read(e)
	if !strings.Contains(string(e[:n]), "oops") {
		t.Fatalf("stderr not captured: %q", e[:n])
	}
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if ch.ExitCode() != 0 {
		t.Fatalf("exit code = %d", ch.ExitCode())
	}
}

func TestAliveTracksLifetime(t *testing.T) {
	ch, err := Start(Cmd{Name: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := ch.PID()
	if !Alive(pid) {
		t.Fatal("freshly started process reported dead")
	}
	_ = KillGroup(pid)
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("kill not observed")
	}
	if Alive(pid) {
		t.Fatal("reaped process reported alive")
	}
}

func TestStopPIDEscalatesToKill(t *testing.T) {
	// The child ignores SIGTERM, so only the SIGKILL escalation can end it.
	ch, err := Start(Cmd{Name: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // let the trap install
	start := time.Now()
	if !StopPID(ch.PID(), 300*time.Millisecond) {
		t.Fatal("StopPID did not confirm death")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("StopPID took too long: %v", elapsed)
	}
	<-ch.Done()
}

func TestRunBoundedByContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, Cmd{Name: "sleep", Args: []string{"10"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRunReturnsOutput(t *testing.T) {
	out, err := Run(context.Background(), Cmd{Name: "/bin/sh", Args: []string{"-c", "echo ok"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "ok" {
		t.Fatalf("output = %q", out)
	}
}

func TestRunIncludesOutputInError(t *testing.T) {
	_, err := Run(context.Background(), Cmd{Name: "/bin/sh", Args: []string{"-c", "echo boom; exit 3"}})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error should carry command output, got %v", err)
	}
}
