package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a short-lived helper command and returns its combined
// output. Injectable so provisioning logic can be tested without the
// engine client binaries installed.
type Runner func(ctx context.Context, c Cmd) (string, error)

// Run is the default Runner. The command inherits no stdin and is
// bounded by ctx; on timeout the process group is killed.
func Run(ctx context.Context, c Cmd) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	cmd.Stdin = nil
	cmd.SysProcAttr = sysProcAttr()
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			_ = KillGroup(cmd.Process.Pid)
		}
		return nil
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if err != nil {
		if ctx.Err() != nil {
			return out, fmt.Errorf("%s timed out: %w", c.Name, ctx.Err())
		}
		return out, fmt.Errorf("%s: %w: %s", c.Name, err, truncate(out, 512))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
