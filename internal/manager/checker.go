package manager

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loykin/dbnest/internal/store"
)

// CheckResult is one end-to-end connectivity probe over the engine's
// native wire protocol, independent of the CLI clients used for
// provisioning.
type CheckResult struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// Check dials the instance with the engine's Go driver and runs the
// cheapest round trip it offers.
func (m *Manager) Check(ctx context.Context, id string) (CheckResult, error) {
	rec, err := m.st.Get(ctx, id)
	if err != nil {
		return CheckResult{}, err
	}
	if st, _ := m.Status(id); st != store.StatusRunning {
		return CheckResult{}, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()

	begin := time.Now()
	switch rec.Engine {
	case store.EnginePostgres:
		err = checkPostgres(dctx, rec)
	case store.EngineMySQL:
		err = checkMySQL(dctx, rec)
	case store.EngineMongo:
		err = checkMongo(dctx, rec)
	case store.EngineRedis:
		err = checkRedis(dctx, rec)
	default:
		return CheckResult{}, fmt.Errorf("unknown engine %q", rec.Engine)
	}
	lat := time.Since(begin)
	if err != nil {
		return CheckResult{OK: false, Latency: lat, Detail: err.Error()}, nil
	}
	return CheckResult{OK: true, Latency: lat}, nil
}

func checkPostgres(ctx context.Context, rec store.Record) error {
	user := rec.Username
	if user == "" {
		user = "postgres"
	}
	dsn := fmt.Sprintf("postgres://%s@127.0.0.1:%d/%s",
		url.PathEscape(user), rec.Port, url.PathEscape(user))
	if rec.Password != "" {
		dsn = fmt.Sprintf("postgres://%s:%s@127.0.0.1:%d/%s",
			url.PathEscape(user), url.QueryEscape(rec.Password), rec.Port, url.PathEscape(user))
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()
	return conn.Ping(ctx)
}

func checkMySQL(ctx context.Context, rec store.Record) error {
	user := rec.Username
	if user == "" {
		user = "root"
	}
	dsn := fmt.Sprintf("%s:%s@tcp(127.0.0.1:%d)/?timeout=3s", user, rec.Password, rec.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.PingContext(ctx)
}

func checkMongo(ctx context.Context, rec store.Record) error {
	uri := fmt.Sprintf("mongodb://127.0.0.1:%d", rec.Port)
	if rec.Username != "" {
		uri = fmt.Sprintf("mongodb://%s:%s@127.0.0.1:%d/admin",
			url.QueryEscape(rec.Username), url.QueryEscape(rec.Password), rec.Port)
	}
	cl, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return err
	}
	defer func() { _ = cl.Disconnect(context.Background()) }()
	return cl.Ping(ctx, nil)
}

func checkRedis(ctx context.Context, rec store.Record) error {
	cl := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("127.0.0.1:%d", rec.Port),
		Password: rec.Password,
	})
	defer func() { _ = cl.Close() }()
	return cl.Ping(ctx).Err()
}
