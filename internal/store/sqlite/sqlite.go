package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/dbnest/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// single writer avoids SQLITE_BUSY churn under concurrent status updates
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS databases(
			id TEXT PRIMARY KEY,
			engine TEXT NOT NULL,
			port INTEGER NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			binary_hint TEXT NOT NULL DEFAULT '',
			engine_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'stopped',
			pid INTEGER NOT NULL DEFAULT 0,
			last_started_at TIMESTAMP NULL,
			auto_start BOOLEAN NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_databases_engine ON databases(engine);`,
		`CREATE INDEX IF NOT EXISTS idx_databases_status ON databases(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Save(ctx context.Context, rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO databases(id, engine, port, username, password, container_id, binary_hint, engine_version, status, pid, last_started_at, auto_start, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			port=excluded.port,
			username=excluded.username,
			password=excluded.password,
			container_id=excluded.container_id,
			binary_hint=excluded.binary_hint,
			engine_version=excluded.engine_version,
			status=excluded.status,
			pid=excluded.pid,
			last_started_at=excluded.last_started_at,
			auto_start=excluded.auto_start,
			updated_at=excluded.updated_at;`,
		rec.ID, string(rec.Engine), rec.Port, rec.Username, rec.Password,
		rec.ContainerID, rec.BinaryHint, rec.EngineVersion, string(rec.Status),
		rec.PID, nullTime(rec.LastStartedAt), rec.AutoStart, time.Now().UTC())
	return err
}

func (s *DB) Get(ctx context.Context, id string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, engine, port, username, password, container_id, binary_hint, engine_version, status, pid, last_started_at, auto_start
		FROM databases WHERE id=?;`, id)
	return scanRecord(row.Scan)
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, engine, port, username, password, container_id, binary_hint, engine_version, status, pid, last_started_at, auto_start
		FROM databases ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM databases WHERE id=?;`, id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *DB) MarkStarting(ctx context.Context, id string, pid int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE databases SET status=?, pid=?, last_started_at=?, updated_at=? WHERE id=?;`,
		string(store.StatusStarting), pid, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *DB) MarkRunning(ctx context.Context, id string, pid int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE databases SET status=?, pid=?, updated_at=? WHERE id=?;`,
		string(store.StatusRunning), pid, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *DB) MarkStopped(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE databases SET status=?, pid=0, last_started_at=NULL, updated_at=? WHERE id=?;`,
		string(store.StatusStopped), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *DB) UpdatePort(ctx context.Context, id string, port int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE databases SET port=?, updated_at=? WHERE id=?;`,
		port, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *DB) UpdateCredentials(ctx context.Context, id, username, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE databases SET username=?, password=?, updated_at=? WHERE id=?;`,
		username, password, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *DB) UpdateBinaryHint(ctx context.Context, id, hint string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE databases SET binary_hint=?, updated_at=? WHERE id=?;`,
		hint, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (store.Record, error) {
	var r store.Record
	var engine, status string
	var started sql.NullTime
	err := scan(&r.ID, &engine, &r.Port, &r.Username, &r.Password,
		&r.ContainerID, &r.BinaryHint, &r.EngineVersion, &status, &r.PID,
		&started, &r.AutoStart)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	r.Engine = store.Engine(engine)
	r.Status = store.Status(status)
	if started.Valid {
		r.LastStartedAt = started.Time
	}
	return r, nil
}
