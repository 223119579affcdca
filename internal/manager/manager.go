package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/dbnest/internal/engine"
	"github.com/loykin/dbnest/internal/env"
	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/logger"
	"github.com/loykin/dbnest/internal/metrics"
	"github.com/loykin/dbnest/internal/ports"
	"github.com/loykin/dbnest/internal/process"
	"github.com/loykin/dbnest/internal/readiness"
	"github.com/loykin/dbnest/internal/store"
	"github.com/loykin/dbnest/internal/throttle"
)

// Config carries the tunables of the lifecycle manager. Zero values
// fall back to the defaults below.
type Config struct {
	// BaseDir is the root under which data/, run/ and log/ live.
	BaseDir string

	// EnginePorts overrides the default port assigned at creation time
	// per engine.
	EnginePorts map[store.Engine]int

	ChildLog logger.ChildLog

	InitTimeout       time.Duration // per init attempt
	StopTimeout       time.Duration // graceful wait before SIGKILL
	ConfigureTimeout  time.Duration // whole provisioning pass
	PingTimeout       time.Duration // single connectivity probe
	ConfigureAttempts uint64        // ping retries before giving up
	InterStartDelay   time.Duration // pause between auto-started instances
	KillAllCooldown   time.Duration // collapse window for KillAll
	StderrTailLines   int           // lines kept for crash reports
}

const (
	defaultInitTimeout      = 30 * time.Second
	defaultStopTimeout      = 5 * time.Second
	defaultConfigureTimeout = 30 * time.Second
	defaultPingTimeout      = 5 * time.Second
	defaultInterStartDelay  = time.Second
	defaultKillAllCooldown  = 3 * time.Second
	defaultStderrTailLines  = 40
)

func (c *Config) applyDefaults() {
	if c.InitTimeout <= 0 {
		c.InitTimeout = defaultInitTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.ConfigureTimeout <= 0 {
		c.ConfigureTimeout = defaultConfigureTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.ConfigureAttempts == 0 {
		c.ConfigureAttempts = 10
	}
	if c.InterStartDelay <= 0 {
		c.InterStartDelay = defaultInterStartDelay
	}
	if c.KillAllCooldown <= 0 {
		c.KillAllCooldown = defaultKillAllCooldown
	}
	if c.StderrTailLines <= 0 {
		c.StderrTailLines = defaultStderrTailLines
	}
}

// Manager owns the full lifecycle of local database engine processes:
// create/delete of records, start with init and readiness detection,
// post-start provisioning, stop with escalation, reconciliation of
// orphans, and auto-start. The store is the durable source of truth;
// the registry mirrors it for the processes this manager supervises.
type Manager struct {
	cfg  Config
	st   store.Store
	sink events.Sink
	reg  *Registry
	env  *env.Env
	run  process.Runner
	log  *slog.Logger

	strategyFor func(store.Engine) (engine.Strategy, error)
	portFree    func(int) bool
	killLimiter *throttle.Limiter

	locks sync.Map // id -> *sync.Mutex

	sweepMu   sync.Mutex
	sweepStop chan struct{}
}

// Option adjusts a Manager at construction time.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithRunner substitutes the helper-command runner; tests use it to
// fake CLI clients.
func WithRunner(r process.Runner) Option { return func(m *Manager) { m.run = r } }

// WithStrategies substitutes engine strategy lookup; tests use it to
// run shell stand-ins instead of real database servers.
func WithStrategies(f func(store.Engine) (engine.Strategy, error)) Option {
	return func(m *Manager) { m.strategyFor = f }
}

// WithPortProber substitutes the OS port availability check.
func WithPortProber(f func(int) bool) Option { return func(m *Manager) { m.portFree = f } }

func New(cfg Config, st store.Store, sink events.Sink, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:         cfg,
		st:          st,
		sink:        sink,
		reg:         NewRegistry(),
		env:         env.New(),
		run:         process.Run,
		log:         slog.Default(),
		strategyFor: engine.ForEngine,
		portFree:    ports.IsFree,
	}
	m.killLimiter = throttle.New(cfg.KillAllCooldown)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Env exposes the spawn environment for global overrides from config.
func (m *Manager) Env() *env.Env { return m.env }

func (m *Manager) lockFor(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *Manager) publish(ctx context.Context, e events.Event) {
	if m.sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := m.sink.Send(ctx, e); err != nil {
		m.log.Warn("event sink send failed", "type", string(e.Type), "err", err)
	}
}

func (m *Manager) updateRunningGauge() {
	counts := m.reg.CountByEngine()
	for _, e := range store.Engines() {
		metrics.SetRunning(string(e), counts[e])
	}
}

// Start launches the recorded instance. It is rejected without side
// effects when a handle already exists for the id, so two concurrent
// starts can never spawn two processes.
func (m *Manager) Start(ctx context.Context, id string) error {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if m.reg.Has(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	rec, err := m.st.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("record %s: %w", id, err)
	}
	strat, err := m.strategyFor(rec.Engine)
	if err != nil {
		return err
	}
	l := engine.LayoutFor(m.cfg.BaseDir, rec)
	if err := l.Ensure(); err != nil {
		return fmt.Errorf("prepare directories for %s: %w", id, err)
	}

	binDir, err := engine.Discover(rec, strat)
	if err != nil {
		return err
	}
	if binDir != rec.BinaryHint {
		// Best effort; next start just re-discovers.
		if uerr := m.st.UpdateBinaryHint(ctx, id, binDir); uerr != nil {
			m.log.Warn("persist binary hint", "id", id, "err", uerr)
		}
	}

	if err := m.ensureInitialized(ctx, strat, binDir, rec, l); err != nil {
		return err
	}

	if !m.portFree(rec.Port) {
		return fmt.Errorf("%w: %d (engine %s, id %s)", ErrPortInUse, rec.Port, rec.Engine, id)
	}

	cmd := strat.ServeCommand(binDir, rec, l)
	cmd.Env = m.env.Merge(append(env.TempOverrides(l.TmpDir), cmd.Env...))

	child, err := process.Start(cmd)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", rec.Engine, err)
	}

	h := &Handle{
		rec:     rec,
		binDir:  binDir,
		child:   child,
		watcher: readiness.NewWatcher(strat.Readiness()),
		logW:    m.cfg.ChildLog.Writer(l.LogPath),
		tail:    newTailBuffer(m.cfg.StderrTailLines),
	}
	if err := m.reg.Put(id, h); err != nil {
		_ = process.KillGroup(child.PID())
		_ = h.logW.Close()
		return err
	}

	now := time.Now().UTC()
	if err := m.st.MarkStarting(ctx, id, child.PID(), now); err != nil {
		m.log.Warn("persist starting state", "id", id, "err", err)
	}
	m.publish(ctx, events.Event{
		Type:        events.TypeStarting,
		ID:          id,
		ContainerID: rec.EffectiveContainerID(),
		Engine:      rec.Engine,
		Status:      store.StatusStarting,
		PID:         child.PID(),
		Port:        rec.Port,
	})
	metrics.IncStart(string(rec.Engine))
	m.updateRunningGauge()
	m.log.Info("engine starting",
		"id", id, "engine", string(rec.Engine), "pid", child.PID(), "port", rec.Port)

	go m.supervise(strat, h, l, now)
	return nil
}

// supervise drives one child from spawn to exit: scans output for the
// ready signal, promotes the record, schedules provisioning, and
// finalizes on exit.
func (m *Manager) supervise(strat engine.Strategy, h *Handle, l engine.Layout, startedAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("supervisor panic", "id", h.rec.ID, "panic", r)
			m.finalizeExit(h)
		}
	}()

	h.watcher.Arm()
	var pumps sync.WaitGroup
	pumps.Add(2)
	go m.pump(h, h.child.Stdout(), false, &pumps)
	go m.pump(h, h.child.Stderr(), true, &pumps)

	select {
	case <-h.watcher.Ready():
		m.onReady(strat, h, l, startedAt)
		<-h.child.Done()
	case <-h.child.Done():
		h.watcher.Cancel()
	}
	pumps.Wait()
	m.finalizeExit(h)
}

// pump copies one output stream into the rotated capture log, feeding
// every line through the readiness watcher and keeping a stderr tail
// for crash reports. Draining continues for the process lifetime so the
// child never blocks on a full pipe.
func (m *Manager) pump(h *Handle, r io.Reader, isStderr bool, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		h.watcher.Observe(line)
		if _, err := h.logW.Write(append([]byte(line), '\n')); err != nil {
			m.log.Warn("write capture log", "id", h.rec.ID, "err", err)
		}
		if isStderr {
			h.tail.add(line)
		}
	}
}

func (m *Manager) onReady(strat engine.Strategy, h *Handle, l engine.Layout, startedAt time.Time) {
	ctx := context.Background()
	id := h.rec.ID
	if err := m.st.MarkRunning(ctx, id, h.child.PID()); err != nil {
		m.log.Warn("persist running state", "id", id, "err", err)
	}
	m.publish(ctx, events.Event{
		Type:        events.TypeRunning,
		ID:          id,
		ContainerID: h.rec.EffectiveContainerID(),
		Engine:      h.rec.Engine,
		Status:      store.StatusRunning,
		PID:         h.child.PID(),
		Port:        h.rec.Port,
		Ready:       true,
	})
	metrics.ObserveReadiness(string(h.rec.Engine), time.Since(startedAt).Seconds())
	m.log.Info("engine ready",
		"id", id, "engine", string(h.rec.Engine), "pid", h.child.PID(),
		"took", time.Since(startedAt).Round(time.Millisecond).String())

	stabilize := strat.Readiness().Stabilize
	time.AfterFunc(stabilize, func() {
		m.configure(strat, h, l)
	})
}

// finalizeExit runs exactly once per handle, from whichever of the
// supervisor or an explicit Stop gets there first.
func (m *Manager) finalizeExit(h *Handle) {
	h.exitOnce.Do(func() {
		ctx := context.Background()
		id := h.rec.ID
		// The stopped state must land before the registry entry is
		// released: a Start racing this exit is rejected until Remove,
		// so its own store writes always come after this one.
		if err := m.st.MarkStopped(ctx, id); err != nil {
			m.log.Warn("persist stopped state", "id", id, "err", err)
		}
		m.reg.Remove(id)
		m.updateRunningGauge()
		_ = h.logW.Close()

		exitCode := h.child.ExitCode()
		if h.stopRequested.Load() {
			m.publish(ctx, events.Event{
				Type:        events.TypeStopped,
				ID:          id,
				ContainerID: h.rec.EffectiveContainerID(),
				Engine:      h.rec.Engine,
				Status:      store.StatusStopped,
				ExitCode:    exitCode,
			})
			m.log.Info("engine stopped", "id", id, "engine", string(h.rec.Engine), "exit_code", exitCode)
			return
		}

		detail := joinTail(h.tail.snapshot())
		m.publish(ctx, events.Event{
			Type:        events.TypeCrashed,
			ID:          id,
			ContainerID: h.rec.EffectiveContainerID(),
			Engine:      h.rec.Engine,
			Status:      store.StatusStopped,
			ExitCode:    exitCode,
			Detail:      detail,
		})
		metrics.IncCrash(string(h.rec.Engine))
		m.log.Error("engine exited unexpectedly",
			"id", id, "engine", string(h.rec.Engine), "exit_code", exitCode,
			"was_ready", h.watcher.IsReady(), "stderr_tail", detail)
	})
}

// ensureInitialized makes the data directory launchable. A directory
// carrying the engine's marker is left alone. A directory without the
// marker is a broken leftover and gets wiped before (re)initialization;
// engines that self-initialize just get the clean directory back.
func (m *Manager) ensureInitialized(ctx context.Context, strat engine.Strategy, binDir string, rec store.Record, l engine.Layout) error {
	if strat.Initialized(l.DataDir) {
		return nil
	}
	if !dirEmptyExcept(l.DataDir, "tmp") {
		m.log.Warn("data directory incomplete, wiping",
			"id", rec.ID, "engine", string(rec.Engine), "dir", l.DataDir)
	}
	if !strat.NeedsInit() {
		// Self-initializing engines want an empty directory.
		if err := resetDir(l.DataDir, l.TmpDir); err != nil {
			return fmt.Errorf("reset data dir for %s: %w", rec.ID, err)
		}
		return nil
	}

	var errs []error
	plans := strat.InitPlans(binDir, rec, l)
	for _, p := range plans {
		// initdb and mysqld --initialize both refuse a non-empty target.
		if err := os.RemoveAll(l.DataDir); err != nil {
			return fmt.Errorf("wipe data dir for %s: %w", rec.ID, err)
		}
		if err := os.MkdirAll(filepath.Dir(l.DataDir), 0o750); err != nil {
			return err
		}

		initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
		out, err := m.run(initCtx, p.Cmd)
		cancel()
		metrics.IncInit(string(rec.Engine))

		if err == nil && strat.Initialized(l.DataDir) {
			if err := os.MkdirAll(l.TmpDir, 0o750); err != nil {
				return err
			}
			m.log.Info("data directory initialized",
				"id", rec.ID, "engine", string(rec.Engine), "plan", p.Desc)
			return nil
		}
		if err == nil {
			err = errors.New("init command succeeded but marker is missing")
		}
		m.log.Warn("init attempt failed",
			"id", rec.ID, "plan", p.Desc, "err", err, "output", out)
		errs = append(errs, fmt.Errorf("%s: %w", p.Desc, err))
	}
	return fmt.Errorf("%w for %s: %w", engine.ErrInitFailed, rec.ID, errors.Join(errs...))
}

// Stop terminates a running instance: the engine's own shutdown command
// first, SIGTERM to the process group as fallback, SIGKILL after the
// grace period. Store state is cleared even when the kill could not be
// confirmed, so the record never sticks in a phantom running state.
func (m *Manager) Stop(ctx context.Context, id string) error {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	h := m.reg.Get(id)
	if h == nil {
		// No live handle; clear any stale persisted state.
		if rec, err := m.st.Get(ctx, id); err == nil && rec.Status != store.StatusStopped {
			_ = m.st.MarkStopped(ctx, id)
		}
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	h.stopRequested.Store(true)
	pid := h.child.PID()
	metrics.IncStop(string(h.rec.Engine))
	m.log.Info("stopping engine", "id", id, "engine", string(h.rec.Engine), "pid", pid)

	graceful := false
	if strat, err := m.strategyFor(h.rec.Engine); err == nil {
		l := engine.LayoutFor(m.cfg.BaseDir, h.rec)
		if cmd, ok := strat.StopCommand(h.binDir, h.rec, l); ok {
			stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
			_, err := m.run(stopCtx, cmd)
			cancel()
			graceful = err == nil
			if err != nil {
				m.log.Debug("shutdown command failed, falling back to signals", "id", id, "err", err)
			}
		}
	}
	if !graceful {
		if err := process.TerminateGroup(pid); err != nil {
			m.log.Debug("terminate group", "id", id, "err", err)
		}
	}

	select {
	case <-h.child.Done():
	case <-time.After(m.cfg.StopTimeout):
		m.log.Warn("graceful shutdown timed out, killing", "id", id, "pid", pid)
		_ = process.KillGroup(pid)
		select {
		case <-h.child.Done():
		case <-time.After(500 * time.Millisecond):
			m.log.Error("kill not confirmed", "id", id, "pid", pid)
		}
	}
	m.finalizeExit(h)
	return nil
}

// Status reports the live state for one id. The registry is
// authoritative; a dead pid behind a live handle reports stopped even
// before the exit notification lands.
func (m *Manager) Status(id string) (store.Status, int) {
	h := m.reg.Get(id)
	if h == nil {
		return store.StatusStopped, 0
	}
	pid := h.child.PID()
	if !process.Alive(pid) {
		return store.StatusStopped, 0
	}
	if !h.watcher.IsReady() {
		return store.StatusStarting, pid
	}
	return store.StatusRunning, pid
}

// RunningTargets lists live processes for the metrics sampler.
func (m *Manager) RunningTargets() []metrics.Target {
	var out []metrics.Target
	for _, id := range m.reg.IDs() {
		if h := m.reg.Get(id); h != nil {
			out = append(out, metrics.Target{
				ID:     h.rec.ID,
				Engine: string(h.rec.Engine),
				PID:    h.child.PID(),
			})
		}
	}
	return out
}

func joinTail(lines []string) string {
	const maxChars = 2000
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	if len(out) > maxChars {
		out = out[len(out)-maxChars:]
	}
	return out
}

// dirEmptyExcept reports whether dir contains nothing besides the named
// entries. A missing dir counts as empty.
func dirEmptyExcept(dir string, allow ...string) bool {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return true
	}
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[a] = true
	}
	for _, e := range ents {
		if !allowed[e.Name()] {
			return false
		}
	}
	return true
}

func resetDir(dataDir, tmpDir string) error {
	if err := os.RemoveAll(dataDir); err != nil {
		return err
	}
	return os.MkdirAll(tmpDir, 0o750)
}
