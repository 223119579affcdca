package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/loykin/dbnest/internal/process"
	"github.com/loykin/dbnest/internal/readiness"
	"github.com/loykin/dbnest/internal/store"
)

type redis struct{}

func (redis) Engine() store.Engine  { return store.EngineRedis }
func (redis) ServerBinary() string  { return "redis-server" }
func (redis) BinaryNames() []string { return []string{"redis-server"} }
func (redis) DefaultPort() int      { return 6379 }

func (redis) BrewFormulas(version string) []string {
	if maj := MajorOf(version); maj != "" {
		return []string{"redis@" + maj, "redis"}
	}
	return []string{"redis"}
}

// redis-server needs no initialization; an empty dir is a valid store.
func (redis) NeedsInit() bool                 { return false }
func (redis) Initialized(dataDir string) bool { return exists(dataDir) }

func (redis) InitPlans(binDir string, rec store.Record, l Layout) []InitPlan { return nil }

func (redis) ServeCommand(binDir string, rec store.Record, l Layout) process.Cmd {
	return process.Cmd{
		Name: tool(binDir, "redis-server"),
		Args: []string{
			"--port", fmt.Sprintf("%d", rec.Port),
			"--bind", "127.0.0.1",
			"--dir", l.DataDir,
			"--pidfile", filepath.Join(l.RunDir, "redis.pid"),
			"--unixsocket", filepath.Join(l.RunDir, "redis.sock"),
			"--daemonize", "no",
			"--logfile", "",
			"--save", "3600", "1",
			"--appendonly", "no",
			"--maxmemory", "256mb",
			"--maxmemory-policy", "noeviction",
		},
	}
}

func (redis) Readiness() readiness.Rule {
	return readiness.Rule{
		Substring: "Ready to accept connections",
		// The ready line predates structured logging and has moved
		// between versions; the short delay is the conservative
		// assume-ready fallback.
		FixedDelay:  1500 * time.Millisecond,
		AssumeAfter: 10 * time.Second,
		Stabilize:   200 * time.Millisecond,
	}
}

func (r redis) StopCommand(binDir string, rec store.Record, l Layout) (process.Cmd, bool) {
	return process.Cmd{
		Name: tool(binDir, "redis-cli"),
		Args: append(r.cliArgs(rec), "shutdown", "nosave"),
	}, true
}

func (r redis) Ping(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error {
	_, err := run(ctx, process.Cmd{
		Name: tool(binDir, "redis-cli"),
		Args: append(r.cliArgs(rec), "ping"),
	})
	return err
}

func (r redis) Configure(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error {
	if rec.Password == "" {
		return nil
	}
	var st steps

	out, err := run(ctx, process.Cmd{
		Name: tool(binDir, "redis-cli"),
		Args: append(r.cliArgs(rec), "config", "set", "requirepass", rec.Password),
	})
	st.fail("set requirepass", out, err)

	// Best effort: only works when the instance was started from a
	// config file, which ours is not.
	out, err = run(ctx, process.Cmd{
		Name: tool(binDir, "redis-cli"),
		Args: append(r.cliArgs(rec), "config", "rewrite"),
	})
	st.fail("config rewrite", out, err, "without a config file", "The server is running without a config file")

	return st.err()
}

// cliArgs authenticates when a password is recorded; a freshly started
// instance accepts the AUTH anyway once requirepass is applied.
func (redis) cliArgs(rec store.Record) []string {
	args := []string{"-h", "127.0.0.1", "-p", fmt.Sprintf("%d", rec.Port)}
	if rec.Password != "" {
		args = append(args, "-a", rec.Password, "--no-auth-warning")
	}
	return args
}
