package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/dbnest/internal/process"
	"github.com/loykin/dbnest/internal/readiness"
	"github.com/loykin/dbnest/internal/store"
)

var (
	// ErrBinaryNotFound means no installed server binary could be
	// resolved through the hint, homebrew prefixes, or PATH.
	ErrBinaryNotFound = errors.New("engine binary not found")
	// ErrInitFailed means first-run data directory initialization
	// failed after the fallback strategy was also tried.
	ErrInitFailed = errors.New("data directory initialization failed")
)

// Layout is the per-instance filesystem layout derived from a record.
type Layout struct {
	DataDir string // engine's native on-disk files
	TmpDir  string // isolated temp dir; TMPDIR etc. point here
	RunDir  string // sockets + pid files, namespaced by container id
	LogPath string // rotated capture of the child's output
}

// LayoutFor derives the layout under base for one record.
func LayoutFor(base string, rec store.Record) Layout {
	return Layout{
		DataDir: rec.DataDir(base),
		TmpDir:  rec.TmpDir(base),
		RunDir:  rec.RunDir(base),
		LogPath: rec.LogPath(base),
	}
}

// Ensure creates the layout directories.
func (l Layout) Ensure() error {
	for _, d := range []string{l.DataDir, l.TmpDir, l.RunDir, filepath.Dir(l.LogPath)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return err
		}
	}
	return nil
}

// InitPlan is one first-run initialization attempt, run as a bounded
// subprocess. Plans are tried in order; the second entry is the
// documented fallback strategy.
type InitPlan struct {
	Desc string
	Cmd  process.Cmd
}

// Strategy bundles everything engine-specific: command building,
// first-run initialization, the readiness rule, graceful shutdown, and
// post-start provisioning. One implementation per engine type; the
// manager selects by the record's engine field.
type Strategy interface {
	Engine() store.Engine
	// ServerBinary is the executable name of the server itself.
	ServerBinary() string
	// BinaryNames lists process names the orphan scanner recognizes as
	// belonging to this engine.
	BinaryNames() []string
	DefaultPort() int
	// BrewFormulas returns homebrew keg names to probe during binary
	// discovery, most specific first. version carries the record's
	// requested engine version ("" when unset).
	BrewFormulas(version string) []string

	// NeedsInit reports whether the engine requires an explicit
	// first-run initialization subprocess.
	NeedsInit() bool
	// Initialized detects a completed initialization by the engine's
	// marker file/directory. A data dir without the marker is treated
	// as corrupt and wiped before initialization is retried.
	Initialized(dataDir string) bool
	// InitPlans builds the initialization attempts (primary, fallback).
	InitPlans(binDir string, rec store.Record, l Layout) []InitPlan

	// ServeCommand builds the final server command line: localhost-only
	// bind, per-instance socket/pid paths, conservative growth flags.
	ServeCommand(binDir string, rec store.Record, l Layout) process.Cmd
	Readiness() readiness.Rule

	// StopCommand returns the engine's clean-shutdown client
	// invocation. ok is false when only signals apply.
	StopCommand(binDir string, rec store.Record, l Layout) (process.Cmd, bool)

	// Ping runs a trivial administrative command against the live
	// server; the manager retries it with backoff before provisioning.
	Ping(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error
	// Configure provisions database/user/password through the engine's
	// own CLI client. Steps are individually wrapped: one failing step
	// must not abort the rest. The returned error joins step failures
	// and is logged, never fatal to the launch.
	Configure(ctx context.Context, run process.Runner, binDir string, rec store.Record, l Layout) error
}

// ForEngine selects the strategy for an engine type.
func ForEngine(e store.Engine) (Strategy, error) {
	switch e {
	case store.EnginePostgres:
		return postgres{}, nil
	case store.EngineMySQL:
		return mysql{}, nil
	case store.EngineMongo:
		return mongo{}, nil
	case store.EngineRedis:
		return redis{}, nil
	default:
		return nil, fmt.Errorf("unsupported engine %q", e)
	}
}

// DefaultPort reports the conventional port for an engine, for record
// creation when the caller does not pick one.
func DefaultPort(e store.Engine) int {
	s, err := ForEngine(e)
	if err != nil {
		return 0
	}
	return s.DefaultPort()
}

// AllBinaryNames lists every server binary name across engines, for the
// orphan scanner's OS-wide pass.
func AllBinaryNames() []string {
	var out []string
	for _, e := range store.Engines() {
		s, _ := ForEngine(e)
		out = append(out, s.BinaryNames()...)
	}
	return out
}

// tool resolves a client binary: prefer the discovered bin directory,
// fall back to PATH.
func tool(binDir, name string) string {
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return name
}

// exists reports whether the path exists at all.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
