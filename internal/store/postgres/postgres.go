package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/dbnest/internal/store"
)

// DB implements store.Store on PostgreSQL via the pgx stdlib driver.
// Useful when several machines share one record collection; the default
// deployment uses the sqlite backend.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
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
			last_started_at TIMESTAMPTZ NULL,
			auto_start BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_databases_engine ON databases(engine);`,
		`CREATE INDEX IF NOT EXISTS idx_databases_status ON databases(status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Save(ctx context.Context, rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO databases(id, engine, port, username, password, container_id, binary_hint, engine_version, status, pid, last_started_at, auto_start, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT(id) DO UPDATE SET
			port=EXCLUDED.port,
			username=EXCLUDED.username,
			password=EXCLUDED.password,
			container_id=EXCLUDED.container_id,
			binary_hint=EXCLUDED.binary_hint,
			engine_version=EXCLUDED.engine_version,
			status=EXCLUDED.status,
			pid=EXCLUDED.pid,
			last_started_at=EXCLUDED.last_started_at,
			auto_start=EXCLUDED.auto_start,
			updated_at=EXCLUDED.updated_at;`,
		rec.ID, string(rec.Engine), rec.Port, rec.Username, rec.Password,
		rec.ContainerID, rec.BinaryHint, rec.EngineVersion, string(rec.Status),
		rec.PID, nullTime(rec.LastStartedAt), rec.AutoStart, time.Now().UTC())
	return err
}

func (p *DB) Get(ctx context.Context, id string) (store.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, engine, port, username, password, container_id, binary_hint, engine_version, status, pid, last_started_at, auto_start
		FROM databases WHERE id=$1;`, id)
	return scanRecord(row.Scan)
}

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, engine, port, username, password, container_id, binary_hint, engine_version, status, pid, last_started_at, auto_start
		FROM databases ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (p *DB) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM databases WHERE id=$1;`, id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (p *DB) MarkStarting(ctx context.Context, id string, pid int, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE databases SET status=$1, pid=$2, last_started_at=$3, updated_at=$4 WHERE id=$5;`,
		string(store.StatusStarting), pid, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (p *DB) MarkRunning(ctx context.Context, id string, pid int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE databases SET status=$1, pid=$2, updated_at=$3 WHERE id=$4;`,
		string(store.StatusRunning), pid, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (p *DB) MarkStopped(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE databases SET status=$1, pid=0, last_started_at=NULL, updated_at=$2 WHERE id=$3;`,
		string(store.StatusStopped), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (p *DB) UpdatePort(ctx context.Context, id string, port int) error {
	res, err := p.db.ExecContext(ctx, `UPDATE databases SET port=$1, updated_at=$2 WHERE id=$3;`,
		port, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (p *DB) UpdateCredentials(ctx context.Context, id, username, password string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE databases SET username=$1, password=$2, updated_at=$3 WHERE id=$4;`,
		username, password, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func (p *DB) UpdateBinaryHint(ctx context.Context, id, hint string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE databases SET binary_hint=$1, updated_at=$2 WHERE id=$3;`,
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
