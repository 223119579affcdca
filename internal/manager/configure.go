package manager

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loykin/dbnest/internal/engine"
	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/store"
)

// configure runs post-start provisioning for a freshly ready instance:
// wait until the engine answers its own client, then apply the recorded
// database/user/password. Failures are logged, never fatal; the process
// keeps running and a later credentials update can retry.
func (m *Manager) configure(strat engine.Strategy, h *Handle, l engine.Layout) {
	ctx := context.Background()
	id := h.rec.ID

	ping := func() error {
		if !m.reg.Has(id) {
			return backoff.Permanent(errors.New("process exited before provisioning"))
		}
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
		defer cancel()
		return strat.Ping(pctx, m.run, h.binDir, h.rec, l)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 3 * time.Second
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(ping, backoff.WithMaxRetries(bo, m.cfg.ConfigureAttempts)); err != nil {
		m.log.Warn("provisioning skipped, engine never answered its client",
			"id", id, "engine", string(h.rec.Engine), "err", err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConfigureTimeout)
	defer cancel()
	if err := strat.Configure(cctx, m.run, h.binDir, h.rec, l); err != nil {
		m.log.Warn("provisioning finished with errors",
			"id", id, "engine", string(h.rec.Engine), "err", err)
		return
	}
	m.publish(ctx, events.Event{
		Type:        events.TypeConfigured,
		ID:          id,
		ContainerID: h.rec.EffectiveContainerID(),
		Engine:      h.rec.Engine,
		Status:      store.StatusRunning,
		Port:        h.rec.Port,
	})
	m.log.Info("provisioning complete", "id", id, "engine", string(h.rec.Engine))
}
