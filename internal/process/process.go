package process

import (
	"io"
	"os/exec"
	"sync"
)

// Cmd describes one subprocess invocation: either a long-lived engine
// server or a short-lived helper (initdb, psql, redis-cli, ...).
type Cmd struct {
	Name string
	Args []string
	Env  []string
	Dir  string
}

// Child is a spawned engine server. Stdin is disabled and both output
// streams are piped, so the process can never block on an interactive
// prompt and callers observe every output line. A monitor goroutine
// owns cmd.Wait; Done is closed exactly once when the process exits.
type Child struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	done     chan struct{}
	exitOnce sync.Once
	mu       sync.Mutex
	exitErr  error
}

// Start spawns c in its own process group with stdin disabled and
// stdout/stderr captured.
func Start(c Cmd) (*Child, error) {
	cmd := exec.Command(c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	cmd.Stdin = nil
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	ch := &Child{cmd: cmd, stdout: stdout, stderr: stderr, done: make(chan struct{})}
	go ch.monitor()
	return ch, nil
}

// monitor is the single goroutine allowed to call cmd.Wait.
func (c *Child) monitor() {
	err := c.cmd.Wait()
	c.exitOnce.Do(func() {
		c.mu.Lock()
		c.exitErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Child) PID() int { return c.cmd.Process.Pid }

// Stdout and Stderr are the piped output streams. Callers must drain
// both (the readiness scanner does) or the child may block on a full
// pipe.
func (c *Child) Stdout() io.Reader { return c.stdout }
func (c *Child) Stderr() io.Reader { return c.stderr }

// Done is closed when the process has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// ExitErr reports the error from cmd.Wait; only meaningful after Done
// is closed.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// ExitCode returns the exit code after Done, or -1 when killed by
// signal or not yet exited.
func (c *Child) ExitCode() int {
	select {
	case <-c.done:
		return c.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}
