package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/ports"
	"github.com/loykin/dbnest/internal/store"
)

// Summary reports the outcome of one auto-start pass.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Reassigned counts instances moved to a new port before starting.
	Reassigned int `json:"reassigned"`
}

// AutoStart launches every stopped record flagged for auto-start.
// Port conflicts among the candidates are resolved up front: the first
// claimant keeps its port, later ones are moved to the next free port
// and the change persisted before launch. Instances start sequentially
// with a small delay so a burst of engines does not stampede the
// machine. One failed start never aborts the rest.
func (m *Manager) AutoStart(ctx context.Context) (Summary, error) {
	recs, err := m.st.List(ctx)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	var cands []store.Record
	for _, rec := range recs {
		if !rec.AutoStart {
			continue
		}
		if m.reg.Has(rec.ID) || rec.Status != store.StatusStopped {
			sum.Skipped++
			continue
		}
		cands = append(cands, rec)
	}
	if len(cands) == 0 {
		return sum, nil
	}

	resolved, moved, err := ports.Resolve(cands, m.portFree, 100)
	if err != nil {
		return sum, fmt.Errorf("resolve auto-start ports: %w", err)
	}
	for _, mv := range moved {
		if err := m.st.UpdatePort(ctx, mv.ID, mv.To); err != nil {
			m.log.Warn("persist reassigned port", "id", mv.ID, "err", err)
			continue
		}
		sum.Reassigned++
		m.publish(ctx, events.Event{
			Type:   events.TypePortConflict,
			ID:     mv.ID,
			Port:   mv.To,
			Detail: fmt.Sprintf("port %d taken, moved to %d", mv.From, mv.To),
		})
		m.log.Info("auto-start port reassigned", "id", mv.ID, "from", mv.From, "to", mv.To)
	}

	for i, rec := range resolved {
		if i > 0 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(m.cfg.InterStartDelay):
			}
		}
		if err := m.Start(ctx, rec.ID); err != nil {
			sum.Failed++
			m.log.Error("auto-start failed", "id", rec.ID, "engine", string(rec.Engine), "err", err)
			continue
		}
		sum.Succeeded++
	}
	m.log.Info("auto-start pass complete",
		"succeeded", sum.Succeeded, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}
