package manager

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/dbnest/internal/engine"
	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/metrics"
	"github.com/loykin/dbnest/internal/process"
	"github.com/loykin/dbnest/internal/store"
)

const stopConcurrency = 4

// ReconcileOnStartup brings store and reality back in line after a
// supervisor restart or crash. Records claiming a pid are checked: a
// dead pid is reset to stopped, a live one is an orphan from the
// previous run and gets terminated before its record is cleared.
func (m *Manager) ReconcileOnStartup(ctx context.Context) error {
	recs, err := m.st.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if m.reg.Has(rec.ID) {
			continue
		}
		if rec.Status == store.StatusStopped && rec.PID == 0 {
			continue
		}

		detail := "stale record reset"
		if rec.PID > 0 && process.Alive(rec.PID) {
			if ok := process.StopPID(rec.PID, m.cfg.StopTimeout); !ok {
				m.log.Error("orphan not confirmed dead", "id", rec.ID, "pid", rec.PID)
			}
			detail = "orphan from previous run terminated"
			metrics.IncReaped(string(rec.Engine))
		}
		if err := m.st.MarkStopped(ctx, rec.ID); err != nil {
			m.log.Warn("reset record", "id", rec.ID, "err", err)
			continue
		}
		m.publish(ctx, events.Event{
			Type:        events.TypeReaped,
			ID:          rec.ID,
			ContainerID: rec.EffectiveContainerID(),
			Engine:      rec.Engine,
			Status:      store.StatusStopped,
			PID:         rec.PID,
			Detail:      detail,
		})
		m.log.Info("reconciled record", "id", rec.ID, "pid", rec.PID, "detail", detail)
	}
	return nil
}

// KillAll is the last-defense teardown: every supervised process, every
// persisted pid, and finally an OS scan for engine processes whose
// command line points into our base directory. Rapid repeated
// invocations (double Ctrl-C, signal plus crash handler) collapse into
// one pass.
func (m *Manager) KillAll(ctx context.Context) {
	if !m.killLimiter.Allow() {
		return
	}
	m.log.Warn("kill-all pass starting")
	handled := make(map[int]bool)

	// Pass 1: registry, concurrently.
	var g errgroup.Group
	g.SetLimit(stopConcurrency)
	for _, id := range m.reg.IDs() {
		h := m.reg.Get(id)
		if h == nil {
			continue
		}
		handled[h.child.PID()] = true
		g.Go(func() error {
			h.stopRequested.Store(true)
			pid := h.child.PID()
			_ = process.TerminateGroup(pid)
			select {
			case <-h.child.Done():
			case <-time.After(time.Second):
				_ = process.KillGroup(pid)
			}
			m.finalizeExit(h)
			return nil
		})
	}
	_ = g.Wait()

	// Pass 2: pids persisted by a previous supervisor run.
	if recs, err := m.st.List(ctx); err == nil {
		for _, rec := range recs {
			if rec.PID <= 0 || handled[rec.PID] {
				continue
			}
			handled[rec.PID] = true
			process.StopPID(rec.PID, time.Second)
			_ = m.st.MarkStopped(ctx, rec.ID)
		}
	}

	// Pass 3: OS scan with ownership verification.
	m.reapByScan(handled)

	m.publish(ctx, events.Event{Type: events.TypeKillAll})
}

// reapByScan walks the process table for known engine binaries and
// terminates only those whose command line references our own data
// root, so foreign installations on the same host are never touched.
// The scan itself can fail under fd or memory pressure; it is retried
// once and then abandoned, since kill-all runs when the supervisor is
// already going down.
func (m *Manager) reapByScan(handled map[int]bool) {
	procs, err := gopsproc.Processes()
	if err != nil {
		time.Sleep(200 * time.Millisecond)
		if procs, err = gopsproc.Processes(); err != nil {
			m.log.Warn("process scan unavailable", "err", err)
			return
		}
	}

	names := make(map[string]bool)
	for _, n := range engine.AllBinaryNames() {
		names[n] = true
	}
	ownMark := filepath.Join(m.cfg.BaseDir, "data")

	for _, p := range procs {
		pid := int(p.Pid)
		if handled[pid] {
			continue
		}
		name, err := p.Name()
		if err != nil || !names[name] {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || !strings.Contains(cmdline, ownMark) {
			continue
		}
		m.log.Warn("reaping orphaned engine process", "pid", pid, "name", name)
		process.StopPID(pid, time.Second)
	}
}

// StartSweeper runs periodic reconciliation until StopSweeper or
// Shutdown is called. Zero interval disables it.
func (m *Manager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	m.sweepStop = stop
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := m.ReconcileOnStartup(context.Background()); err != nil {
					m.log.Warn("periodic reconciliation failed", "err", err)
				}
			}
		}
	}()
}

func (m *Manager) StopSweeper() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweepStop != nil {
		close(m.sweepStop)
		m.sweepStop = nil
	}
}

// Shutdown stops every supervised process gracefully, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopSweeper()
	var g errgroup.Group
	g.SetLimit(stopConcurrency)
	for _, id := range m.reg.IDs() {
		g.Go(func() error {
			if err := m.Stop(ctx, id); err != nil {
				m.log.Warn("shutdown stop failed", "id", id, "err", err)
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
