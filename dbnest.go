package dbnest

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/dbnest/internal/config"
	"github.com/loykin/dbnest/internal/events"
	eventsfactory "github.com/loykin/dbnest/internal/events/factory"
	"github.com/loykin/dbnest/internal/manager"
	"github.com/loykin/dbnest/internal/metrics"
	iapi "github.com/loykin/dbnest/internal/server"
	"github.com/loykin/dbnest/internal/store"
	storefactory "github.com/loykin/dbnest/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Engine = store.Engine

const (
	EnginePostgres = store.EnginePostgres
	EngineMySQL    = store.EngineMySQL
	EngineMongo    = store.EngineMongo
	EngineRedis    = store.EngineRedis
)

type Status = store.Status

const (
	StatusStopped  = store.StatusStopped
	StatusStarting = store.StatusStarting
	StatusRunning  = store.StatusRunning
)

type Record = store.Record

type Store = store.Store

type Event = events.Event

type EventSink = events.Sink

type CreateRequest = manager.CreateRequest

type CheckResult = manager.CheckResult

type AutoStartSummary = manager.Summary

// Manager is a thin facade over the internal lifecycle manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

// Config carries the embeddable manager's tunables.
type Config struct {
	// BaseDir roots data/, run/ and log/ for every instance.
	BaseDir string
	// StoreDSN selects the record store (sqlite://path, postgres://...);
	// empty defaults to sqlite under BaseDir.
	StoreDSN string
	// EventSinks are lifecycle event destinations by DSN.
	EventSinks []string
	// StopTimeout bounds graceful shutdown before SIGKILL.
	StopTimeout time.Duration
}

// New opens the store and builds an embeddable lifecycle manager.
func New(c Config) (*Manager, error) {
	dsn := c.StoreDSN
	if dsn == "" {
		fc := cfg.Default()
		fc.BaseDir = c.BaseDir
		dsn = fc.EffectiveStoreDSN()
	}
	st, err := storefactory.NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}
	var sinks []events.Sink
	for _, sd := range c.EventSinks {
		s, err := eventsfactory.NewSinkFromDSN(sd)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	inner := manager.New(manager.Config{
		BaseDir:     c.BaseDir,
		StopTimeout: c.StopTimeout,
	}, st, events.NewMulti(sinks...))
	return &Manager{inner: inner}, nil
}

// NewWithStore builds a manager on a caller-owned store and sink.
func NewWithStore(baseDir string, st Store, sink EventSink) *Manager {
	return &Manager{inner: manager.New(manager.Config{BaseDir: baseDir}, st, sink)}
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (Record, error) {
	return m.inner.Create(ctx, req)
}
func (m *Manager) Delete(ctx context.Context, id string) error { return m.inner.Delete(ctx, id) }
func (m *Manager) Get(ctx context.Context, id string) (Record, error) {
	return m.inner.Get(ctx, id)
}
func (m *Manager) List(ctx context.Context) ([]Record, error) { return m.inner.List(ctx) }
func (m *Manager) Start(ctx context.Context, id string) error { return m.inner.Start(ctx, id) }
func (m *Manager) Stop(ctx context.Context, id string) error  { return m.inner.Stop(ctx, id) }
func (m *Manager) Status(id string) (Status, int)             { return m.inner.Status(id) }
func (m *Manager) UpdateCredentials(ctx context.Context, id, username, password string) error {
	return m.inner.UpdateCredentials(ctx, id, username, password)
}
func (m *Manager) Check(ctx context.Context, id string) (CheckResult, error) {
	return m.inner.Check(ctx, id)
}
func (m *Manager) AutoStart(ctx context.Context) (AutoStartSummary, error) {
	return m.inner.AutoStart(ctx)
}
func (m *Manager) Reconcile(ctx context.Context) error { return m.inner.ReconcileOnStartup(ctx) }
func (m *Manager) KillAll(ctx context.Context)         { m.inner.KillAll(ctx) }
func (m *Manager) Shutdown(ctx context.Context) error  { return m.inner.Shutdown(ctx) }
func (m *Manager) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	return m.inner.RecentEvents(ctx, limit)
}

// Errors re-exported for errors.Is checks by embedders.
var (
	ErrNotFound       = store.ErrNotFound
	ErrAlreadyRunning = manager.ErrAlreadyRunning
	ErrNotRunning     = manager.ErrNotRunning
	ErrPortInUse      = manager.ErrPortInUse
)

// LoadConfig reads the daemon's TOML configuration.
func LoadConfig(path string) (cfg.FileConfig, error) { return cfg.Load(path) }

// NewHTTPServer starts an HTTP server exposing the lifecycle API using
// the given manager.
func NewHTTPServer(addr, basePath string, m *Manager) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(m.inner, basePath))
}

// NewHTTPHandler returns the lifecycle API as an embeddable handler.
func NewHTTPHandler(basePath string, m *Manager) http.Handler {
	return iapi.NewRouter(m.inner, basePath).Handler()
}

// RegisterMetrics attaches the lifecycle collectors to r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
