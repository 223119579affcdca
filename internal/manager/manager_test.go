package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loykin/dbnest/internal/engine"
	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/process"
	"github.com/loykin/dbnest/internal/readiness"
	"github.com/loykin/dbnest/internal/store"
)

// memStore is a minimal in-memory store.Store for manager tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]store.Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]store.Record)}
}

func (s *memStore) EnsureSchema(context.Context) error { return nil }

func (s *memStore) Save(_ context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) List(_ context.Context) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *memStore) mutate(id string, f func(*store.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	f(&rec)
	s.recs[id] = rec
	return nil
}

func (s *memStore) MarkStarting(_ context.Context, id string, pid int, at time.Time) error {
	return s.mutate(id, func(r *store.Record) {
		r.Status = store.StatusStarting
		r.PID = pid
		r.LastStartedAt = at
	})
}

func (s *memStore) MarkRunning(_ context.Context, id string, pid int) error {
	return s.mutate(id, func(r *store.Record) {
		r.Status = store.StatusRunning
		r.PID = pid
	})
}

func (s *memStore) MarkStopped(_ context.Context, id string) error {
	return s.mutate(id, func(r *store.Record) {
		r.Status = store.StatusStopped
		r.PID = 0
		r.LastStartedAt = time.Time{}
	})
}

func (s *memStore) UpdatePort(_ context.Context, id string, port int) error {
	return s.mutate(id, func(r *store.Record) { r.Port = port })
}

func (s *memStore) UpdateCredentials(_ context.Context, id, username, password string) error {
	return s.mutate(id, func(r *store.Record) {
		r.Username = username
		r.Password = password
	})
}

func (s *memStore) UpdateBinaryHint(_ context.Context, id, hint string) error {
	return s.mutate(id, func(r *store.Record) { r.BinaryHint = hint })
}

func (s *memStore) Close() error { return nil }

// collectSink records every published event.
type collectSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *collectSink) Send(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, e)
	return nil
}

func (c *collectSink) ofType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.evs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// shellStrategy runs /bin/sh stand-ins instead of a real database
// server, so lifecycle behavior is exercised with real processes.
type shellStrategy struct {
	serveScript string
	needsInit   bool
	rule        readiness.Rule

	mu         sync.Mutex
	configured int
	pinged     int
}

const shellMarker = "initialized.marker"

func (s *shellStrategy) Engine() store.Engine         { return store.EngineRedis }
func (s *shellStrategy) ServerBinary() string         { return "sh" }
func (s *shellStrategy) BinaryNames() []string        { return []string{"sh"} }
func (s *shellStrategy) DefaultPort() int             { return 6379 }
func (s *shellStrategy) BrewFormulas(string) []string { return nil }
func (s *shellStrategy) NeedsInit() bool              { return s.needsInit }

func (s *shellStrategy) Initialized(dataDir string) bool {
	if !s.needsInit {
		_, err := os.Stat(dataDir)
		return err == nil
	}
	_, err := os.Stat(filepath.Join(dataDir, shellMarker))
	return err == nil
}

func (s *shellStrategy) InitPlans(_ string, _ store.Record, l engine.Layout) []engine.InitPlan {
	if !s.needsInit {
		return nil
	}
	script := fmt.Sprintf("mkdir -p %s && touch %s", l.DataDir, filepath.Join(l.DataDir, shellMarker))
	return []engine.InitPlan{{Desc: "shell init", Cmd: process.Cmd{Name: "/bin/sh", Args: []string{"-c", script}}}}
}

func (s *shellStrategy) ServeCommand(_ string, _ store.Record, _ engine.Layout) process.Cmd {
	s.mu.Lock()
	script := s.serveScript
	s.mu.Unlock()
	if script == "" {
		script = "echo ready; exec sleep 30"
	}
	return process.Cmd{Name: "/bin/sh", Args: []string{"-c", script}}
}

func (s *shellStrategy) setScript(script string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serveScript = script
}

func (s *shellStrategy) Readiness() readiness.Rule {
	if s.rule.AssumeAfter > 0 {
		return s.rule
	}
	return readiness.Rule{Substring: "ready", AssumeAfter: 5 * time.Second, Stabilize: 10 * time.Millisecond}
}

func (s *shellStrategy) StopCommand(string, store.Record, engine.Layout) (process.Cmd, bool) {
	return process.Cmd{}, false
}

func (s *shellStrategy) Ping(context.Context, process.Runner, string, store.Record, engine.Layout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinged++
	return nil
}

func (s *shellStrategy) Configure(context.Context, process.Runner, string, store.Record, engine.Layout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configured++
	return nil
}

func (s *shellStrategy) configureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configured
}

type fixture struct {
	m     *Manager
	st    *memStore
	sink  *collectSink
	strat *shellStrategy
}

func newFixture(t *testing.T, strat *shellStrategy) *fixture {
	t.Helper()
	st := newMemStore()
	sink := &collectSink{}
	m := New(Config{
		BaseDir:         t.TempDir(),
		StopTimeout:     2 * time.Second,
		InterStartDelay: 10 * time.Millisecond,
	}, st, sink,
		WithStrategies(func(store.Engine) (engine.Strategy, error) { return strat, nil }),
		WithPortProber(func(int) bool { return true }),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &fixture{m: m, st: st, sink: sink, strat: strat}
}

func (f *fixture) saveRecord(t *testing.T, id string, port int) store.Record {
	t.Helper()
	rec := store.Record{
		ID:         id,
		Engine:     store.EngineRedis,
		Port:       port,
		Status:     store.StatusStopped,
		BinaryHint: "/bin",
	}
	if err := f.st.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, &shellStrategy{})
	f.saveRecord(t, "db1", 16390)
	ctx := context.Background()

	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "running", func() bool {
		st, _ := f.m.Status("db1")
		return st == store.StatusRunning
	})
	rec, _ := f.st.Get(ctx, "db1")
	if rec.Status != store.StatusRunning || rec.PID == 0 {
		t.Fatalf("store not promoted: %+v", rec)
	}

	if err := f.m.Stop(ctx, "db1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st, _ := f.m.Status("db1"); st != store.StatusStopped {
		t.Fatalf("status after stop: %s", st)
	}
	rec, _ = f.st.Get(ctx, "db1")
	if rec.Status != store.StatusStopped || rec.PID != 0 {
		t.Fatalf("store not cleared: %+v", rec)
	}
	if len(f.sink.ofType(events.TypeStopped)) == 0 {
		t.Fatal("no stopped event")
	}
}

func TestStartRejectsSecondWithoutSideEffects(t *testing.T) {
	f := newFixture(t, &shellStrategy{})
	f.saveRecord(t, "db1", 16391)
	ctx := context.Background()

	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "running", func() bool {
		st, _ := f.m.Status("db1")
		return st == store.StatusRunning
	})
	firstPID := f.m.reg.Get("db1").PID()

	if err := f.m.Start(ctx, "db1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}
	if got := f.m.reg.Get("db1").PID(); got != firstPID {
		t.Fatalf("process replaced: %d -> %d", firstPID, got)
	}
	if n := len(f.sink.ofType(events.TypeStarting)); n != 1 {
		t.Fatalf("starting events: %d", n)
	}
}

func TestCrashPublishesEventAndResetsState(t *testing.T) {
	f := newFixture(t, &shellStrategy{
		serveScript: "echo ready; echo boom >&2; exec sleep 0.2",
	})
	f.saveRecord(t, "db1", 16392)
	ctx := context.Background()

	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "crash event", func() bool {
		return len(f.sink.ofType(events.TypeCrashed)) > 0
	})
	waitFor(t, "registry cleared", func() bool { return !f.m.reg.Has("db1") })

	rec, _ := f.st.Get(ctx, "db1")
	if rec.Status != store.StatusStopped || rec.PID != 0 {
		t.Fatalf("record not reset after crash: %+v", rec)
	}
	ev := f.sink.ofType(events.TypeCrashed)[0]
	if ev.Detail == "" {
		t.Fatal("crash event missing stderr tail")
	}

	// A fresh start after the crash must succeed.
	f.strat.setScript("echo ready; exec sleep 30")
	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
}

func TestConcurrentStartsSpawnExactlyOne(t *testing.T) {
	f := newFixture(t, &shellStrategy{})
	f.saveRecord(t, "db1", 16401)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = f.m.Start(ctx, "db1")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful starts: %d, want 1", ok)
	}
	if got := len(f.sink.ofType(events.TypeStarting)); got != 1 {
		t.Fatalf("starting events: %d", got)
	}
	if !f.m.reg.Has("db1") {
		t.Fatal("no live handle after the winning start")
	}
}

// gatedMemStore blocks the first MarkStopped until released, holding an
// exit finalization mid-flight.
type gatedMemStore struct {
	*memStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedMemStore) MarkStopped(ctx context.Context, id string) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.memStore.MarkStopped(ctx, id)
}

func TestExitFinalizePersistsBeforeReleasingID(t *testing.T) {
	st := &gatedMemStore{
		memStore: newMemStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	released := false
	defer func() {
		if !released {
			close(st.release)
		}
	}()
	sink := &collectSink{}
	strat := &shellStrategy{serveScript: "echo ready; exec sleep 0.2"}
	m := New(Config{BaseDir: t.TempDir(), StopTimeout: 2 * time.Second}, st, sink,
		WithStrategies(func(store.Engine) (engine.Strategy, error) { return strat, nil }),
		WithPortProber(func(int) bool { return true }),
	)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(sctx)
	})
	ctx := context.Background()
	rec := store.Record{
		ID: "db1", Engine: store.EngineRedis, Port: 16402,
		Status: store.StatusStopped, BinaryHint: "/bin",
	}
	if err := st.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(ctx, "db1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-st.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("exit finalization never reached the store")
	}

	// The id stays claimed until the exit state has been persisted, so
	// a restart here cannot have its store writes overwritten.
	if err := m.Start(ctx, "db1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("start during finalization: %v", err)
	}

	close(st.release)
	released = true
	waitFor(t, "registry cleared", func() bool { return !m.reg.Has("db1") })

	strat.setScript("echo ready; exec sleep 30")
	if err := m.Start(ctx, "db1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "running", func() bool {
		s, _ := m.Status("db1")
		return s == store.StatusRunning
	})
	got, _ := st.Get(ctx, "db1")
	if got.Status != store.StatusRunning || got.PID == 0 {
		t.Fatalf("store lost the restart state: %+v", got)
	}
	_ = m.Stop(ctx, "db1")
}

func TestStartRejectsTakenPort(t *testing.T) {
	st := newMemStore()
	sink := &collectSink{}
	strat := &shellStrategy{}
	m := New(Config{BaseDir: t.TempDir()}, st, sink,
		WithStrategies(func(store.Engine) (engine.Strategy, error) { return strat, nil }),
		WithPortProber(func(int) bool { return false }),
	)
	rec := store.Record{ID: "db1", Engine: store.EngineRedis, Port: 16393, BinaryHint: "/bin"}
	_ = st.Save(context.Background(), rec)

	err := m.Start(context.Background(), "db1")
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("want ErrPortInUse, got %v", err)
	}
	if m.reg.Has("db1") {
		t.Fatal("handle registered despite refused start")
	}
}

func TestInitRunsOnceAndWipesCorruptDir(t *testing.T) {
	strat := &shellStrategy{needsInit: true}
	f := newFixture(t, strat)
	rec := f.saveRecord(t, "db1", 16394)
	ctx := context.Background()

	// Seed a corrupt leftover: files present, marker missing.
	l := engine.LayoutFor(f.m.cfg.BaseDir, rec)
	if err := os.MkdirAll(l.DataDir, 0o750); err != nil {
		t.Fatal(err)
	}
	junk := filepath.Join(l.DataDir, "half-written")
	if err := os.WriteFile(junk, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := os.Stat(junk); !os.IsNotExist(err) {
		t.Fatal("corrupt leftovers survived initialization")
	}
	if !strat.Initialized(l.DataDir) {
		t.Fatal("marker missing after init")
	}
	_ = f.m.Stop(ctx, "db1")

	// Second start must skip init: drop a canary next to the marker and
	// confirm it survives.
	canary := filepath.Join(l.DataDir, "user-data")
	if err := os.WriteFile(canary, []byte("keep"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if _, err := os.Stat(canary); err != nil {
		t.Fatal("idempotent init wiped existing data")
	}
}

func TestConfigureRunsAfterReady(t *testing.T) {
	strat := &shellStrategy{}
	f := newFixture(t, strat)
	f.saveRecord(t, "db1", 16395)
	ctx := context.Background()

	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "configured event", func() bool {
		return len(f.sink.ofType(events.TypeConfigured)) > 0
	})
	if strat.configureCount() == 0 {
		t.Fatal("configurator never ran")
	}
}

func TestStatusFallsBackToStoppedForDeadPID(t *testing.T) {
	f := newFixture(t, &shellStrategy{serveScript: "echo ready; exec sleep 30"})
	f.saveRecord(t, "db1", 16396)
	ctx := context.Background()

	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "running", func() bool {
		st, _ := f.m.Status("db1")
		return st == store.StatusRunning
	})
	_ = f.m.Stop(ctx, "db1")
	if st, pid := f.m.Status("db1"); st != store.StatusStopped || pid != 0 {
		t.Fatalf("status %s pid %d after stop", st, pid)
	}
}

func TestStopWithoutHandleClearsStaleRecord(t *testing.T) {
	f := newFixture(t, &shellStrategy{})
	ctx := context.Background()
	rec := store.Record{
		ID: "ghost", Engine: store.EngineRedis, Port: 16397,
		Status: store.StatusRunning, PID: 999999,
	}
	_ = f.st.Save(ctx, rec)

	err := f.m.Stop(ctx, "ghost")
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("want ErrNotRunning, got %v", err)
	}
	got, _ := f.st.Get(ctx, "ghost")
	if got.Status != store.StatusStopped || got.PID != 0 {
		t.Fatalf("stale record not cleared: %+v", got)
	}
}

func TestUpdateCredentialsRequiresRunning(t *testing.T) {
	f := newFixture(t, &shellStrategy{})
	f.saveRecord(t, "db1", 16398)
	err := f.m.UpdateCredentials(context.Background(), "db1", "alice", "pw")
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("want ErrNotRunning, got %v", err)
	}
}

func TestUpdateCredentialsProvisionsAndPersists(t *testing.T) {
	strat := &shellStrategy{}
	f := newFixture(t, strat)
	f.saveRecord(t, "db1", 16399)
	ctx := context.Background()

	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "running", func() bool {
		st, _ := f.m.Status("db1")
		return st == store.StatusRunning
	})
	before := strat.configureCount()
	if err := f.m.UpdateCredentials(ctx, "db1", "alice", "pw"); err != nil {
		t.Fatalf("update credentials: %v", err)
	}
	if strat.configureCount() <= before {
		t.Fatal("configurator not invoked for credentials change")
	}
	rec, _ := f.st.Get(ctx, "db1")
	if rec.Username != "alice" || rec.Password != "pw" {
		t.Fatalf("credentials not persisted: %+v", rec)
	}
	if len(f.sink.ofType(events.TypeCredentials)) == 0 {
		t.Fatal("no credentials event")
	}
}

func TestDeleteRejectsRunning(t *testing.T) {
	f := newFixture(t, &shellStrategy{})
	f.saveRecord(t, "db1", 16400)
	ctx := context.Background()

	if err := f.m.Start(ctx, "db1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.m.Delete(ctx, "db1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("delete of running record: %v", err)
	}
	_ = f.m.Stop(ctx, "db1")
	if err := f.m.Delete(ctx, "db1"); err != nil {
		t.Fatalf("delete after stop: %v", err)
	}
	if _, err := f.st.Get(ctx, "db1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("record still present after delete")
	}
}

func TestCreateAssignsDefaults(t *testing.T) {
	st := newMemStore()
	m := New(Config{BaseDir: t.TempDir()}, st, &collectSink{})
	rec, err := m.Create(context.Background(), CreateRequest{Engine: "postgres"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" || rec.Engine != store.EnginePostgres || rec.Port != 5432 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Status != store.StatusStopped {
		t.Fatalf("new record not stopped: %s", rec.Status)
	}
}
