package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/dbnest/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests
// and returns a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}

	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	// Ping until timeout; the container can report ready before the DB accepts connections.
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresStoreRoundtrip(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	defer terminate()
	waitForPostgres(t, dsn)

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	rec := store.Record{ID: "pg-a", Engine: store.EnginePostgres, Port: 5433, Status: store.StatusStopped, AutoStart: true}
	if err := db.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	started := time.Now().UTC()
	if err := db.MarkStarting(ctx, "pg-a", 777, started); err != nil {
		t.Fatalf("mark starting: %v", err)
	}
	if err := db.MarkRunning(ctx, "pg-a", 777); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, err := db.Get(ctx, "pg-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusRunning || got.PID != 777 || got.LastStartedAt.IsZero() {
		t.Fatalf("unexpected running record: %+v", got)
	}

	if err := db.MarkStopped(ctx, "pg-a"); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}
	got, err = db.Get(ctx, "pg-a")
	if err != nil {
		t.Fatalf("get stopped: %v", err)
	}
	if got.Status != store.StatusStopped || got.PID != 0 || !got.LastStartedAt.IsZero() {
		t.Fatalf("stop did not clear state: %+v", got)
	}

	if err := db.Delete(ctx, "pg-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(ctx, "pg-a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
