package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/store"
)

func TestSendAndRecent(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	seq := []events.Event{
		{Type: events.TypeStarting, ID: "db1", Engine: store.EnginePostgres, Status: store.StatusStarting, PID: 100, OccurredAt: base},
		{Type: events.TypeRunning, ID: "db1", Engine: store.EnginePostgres, Status: store.StatusRunning, PID: 100, Ready: true, OccurredAt: base.Add(time.Second)},
		{Type: events.TypeStopped, ID: "db1", Engine: store.EnginePostgres, Status: store.StatusStopped, OccurredAt: base.Add(2 * time.Second)},
	}
	for _, e := range seq {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	got, err := sink.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	// newest first
	if got[0].Type != events.TypeStopped || got[1].Type != events.TypeRunning {
		t.Fatalf("unexpected order: %s, %s", got[0].Type, got[1].Type)
	}
	if !got[1].Ready || got[1].PID != 100 {
		t.Fatalf("event fields lost: %+v", got[1])
	}

	all, err := sink.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent default: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
}
