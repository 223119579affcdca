package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/dbnest/internal/events"
	"github.com/loykin/dbnest/internal/store"
)

// Sink writes lifecycle events to a SQLite event log and serves the
// recent-events query used by the API.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite event sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	// Append-only audit table; no primary key.
	stmt := `CREATE TABLE IF NOT EXISTS database_events(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		type TEXT NOT NULL,
		db_id TEXT NOT NULL DEFAULT '',
		container_id TEXT NOT NULL DEFAULT '',
		engine TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		port INTEGER NOT NULL DEFAULT 0,
		ready BOOLEAN NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e events.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO database_events(occurred_at, type, db_id, container_id, engine, status, pid, port, ready, exit_code, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.ID, e.ContainerID, string(e.Engine),
		string(e.Status), e.PID, e.Port, e.Ready, e.ExitCode, e.Detail)
	return err
}

// Recent returns the latest events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, type, db_id, container_id, engine, status, pid, port, ready, exit_code, detail
		FROM database_events
		ORDER BY rowid DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]events.Event, 0, limit)
	for rows.Next() {
		var e events.Event
		var typ, engine, status string
		if err := rows.Scan(&e.OccurredAt, &typ, &e.ID, &e.ContainerID, &engine,
			&status, &e.PID, &e.Port, &e.Ready, &e.ExitCode, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = events.Type(typ)
		e.Engine = store.Engine(engine)
		e.Status = store.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
