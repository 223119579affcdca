package dbnest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestNewWithSqliteStore(t *testing.T) {
	base := t.TempDir()
	m, err := New(Config{
		BaseDir:  base,
		StoreDSN: "sqlite://" + filepath.Join(base, "state.db"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	rec, err := m.Create(ctx, CreateRequest{Engine: "redis"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Engine != EngineRedis || rec.Port != 6379 {
		t.Fatalf("record: %+v", rec)
	}

	got, err := m.Get(ctx, rec.ID)
	if err != nil || got.ID != rec.ID {
		t.Fatalf("get: %+v %v", got, err)
	}
	if st, pid := m.Status(rec.ID); st != StatusStopped || pid != 0 {
		t.Fatalf("fresh record status: %s %d", st, pid)
	}

	if err := m.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStopWithoutStartFails(t *testing.T) {
	base := t.TempDir()
	m, err := New(Config{BaseDir: base})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	rec, err := m.Create(ctx, CreateRequest{Engine: "postgresql"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(ctx, rec.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("want ErrNotRunning, got %v", err)
	}
}
