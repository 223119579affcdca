package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/loykin/dbnest/internal/engine"
	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/store"
)

// CreateRequest carries the user-settable fields of a new record.
type CreateRequest struct {
	Engine        string `json:"engine"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	ContainerID   string `json:"container_id,omitempty"`
	EngineVersion string `json:"engine_version,omitempty"`
	AutoStart     bool   `json:"auto_start"`
}

// Create registers a new stopped record. The id is generated, the port
// defaults per engine, and nothing is launched.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (store.Record, error) {
	eng, err := store.ParseEngine(req.Engine)
	if err != nil {
		return store.Record{}, err
	}
	port := req.Port
	if port == 0 {
		if p, ok := m.cfg.EnginePorts[eng]; ok {
			port = p
		} else {
			port = engine.DefaultPort(eng)
		}
	}
	rec := store.Record{
		ID:            uuid.NewString(),
		Engine:        eng,
		Port:          port,
		Username:      req.Username,
		Password:      req.Password,
		ContainerID:   req.ContainerID,
		EngineVersion: req.EngineVersion,
		Status:        store.StatusStopped,
		AutoStart:     req.AutoStart,
	}
	if err := rec.Validate(); err != nil {
		return store.Record{}, err
	}
	if err := m.st.Save(ctx, rec); err != nil {
		return store.Record{}, err
	}
	m.publish(ctx, events.Event{
		Type:        events.TypeCreated,
		ID:          rec.ID,
		ContainerID: rec.EffectiveContainerID(),
		Engine:      rec.Engine,
		Status:      store.StatusStopped,
		Port:        rec.Port,
	})
	m.log.Info("record created", "id", rec.ID, "engine", string(rec.Engine), "port", rec.Port)
	return rec, nil
}

// Delete removes a stopped record. The data directory is left on disk;
// re-creating with the same container id reattaches to it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.reg.Has(id) {
		return fmt.Errorf("%w: stop %s before deleting", ErrAlreadyRunning, id)
	}
	if err := m.st.Delete(ctx, id); err != nil {
		return err
	}
	m.log.Info("record deleted", "id", id)
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (store.Record, error) {
	return m.st.Get(ctx, id)
}

// List returns every record with its status refreshed from the live
// registry, so a crashed process whose exit notification has not landed
// yet still reads as stopped.
func (m *Manager) List(ctx context.Context) ([]store.Record, error) {
	recs, err := m.st.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		st, pid := m.Status(recs[i].ID)
		recs[i].Status = st
		recs[i].PID = pid
	}
	return recs, nil
}

// UpdateCredentials provisions new credentials on a running instance
// and persists them once the engine accepted the change. An empty
// username keeps the current one.
func (m *Manager) UpdateCredentials(ctx context.Context, id, username, password string) error {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	h := m.reg.Get(id)
	if h == nil || !h.watcher.IsReady() {
		return fmt.Errorf("%w: credentials need a running instance (%s)", ErrNotRunning, id)
	}
	rec, err := m.st.Get(ctx, id)
	if err != nil {
		return err
	}
	if username != "" {
		rec.Username = username
	}
	rec.Password = password

	strat, err := m.strategyFor(rec.Engine)
	if err != nil {
		return err
	}
	l := engine.LayoutFor(m.cfg.BaseDir, rec)
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConfigureTimeout)
	defer cancel()
	if err := strat.Configure(cctx, m.run, h.binDir, rec, l); err != nil {
		return fmt.Errorf("apply credentials on %s: %w", id, err)
	}
	if err := m.st.UpdateCredentials(ctx, id, rec.Username, rec.Password); err != nil {
		return err
	}
	m.publish(ctx, events.Event{
		Type:        events.TypeCredentials,
		ID:          id,
		ContainerID: rec.EffectiveContainerID(),
		Engine:      rec.Engine,
		Status:      store.StatusRunning,
	})
	m.log.Info("credentials updated", "id", id, "engine", string(rec.Engine), "username", rec.Username)
	return nil
}

// RecentEvents serves the event history when a recording sink is wired.
func (m *Manager) RecentEvents(ctx context.Context, limit int) ([]events.Event, error) {
	if rec := findRecorder(m.sink); rec != nil {
		return rec.Recent(ctx, limit)
	}
	return nil, nil
}

func findRecorder(s events.Sink) events.Recorder {
	if s == nil {
		return nil
	}
	if r, ok := s.(events.Recorder); ok {
		return r
	}
	if mu, ok := s.(*events.Multi); ok {
		for _, inner := range mu.Sinks() {
			if r := findRecorder(inner); r != nil {
				return r
			}
		}
	}
	return nil
}
